package store

import "fmt"

// SerializationError indicates a value could not be encoded to JSON for
// storage. It is non-retryable; the caller passed an unserializable value.
type SerializationError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s:%s: %v", e.Namespace, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DeserializationError indicates a stored value exists but could not be
// decoded. A missing key is not an error; only corrupt-but-present data is.
type DeserializationError struct {
	Namespace string
	Key       string
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %s:%s: %v", e.Namespace, e.Key, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
