package queue

import "fmt"

// UnregisteredHandlerError indicates an enqueue for an operation type with
// no bound handler. This is a programmer error and fails fast at enqueue
// time rather than sitting in the queue until drain.
type UnregisteredHandlerError struct {
	Type string
}

func (e *UnregisteredHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for operation type %q", e.Type)
}

// HandlerExecutionError wraps an error returned by a handler during drain.
// It is retryable up to the operation's retry ceiling, after which the
// operation is retained as Failed.
type HandlerExecutionError struct {
	OperationID string
	Type        string
	Err         error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler for %s operation %s failed: %v", e.Type, e.OperationID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }
