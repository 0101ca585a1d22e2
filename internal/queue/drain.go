package queue

import (
	"context"
	"time"

	"github.com/offlinefirst/satchel/internal/netmon"
)

// Drain processes every Pending operation whose retry time has arrived, in
// FIFO order by creation time.
//
// Only one drain pass runs at a time per queue: a re-entrant call while a
// pass is running is a no-op, not a second concurrent pass, so overlapping
// triggers (a resume signal firing while an online transition is already
// draining) can never double-execute an operation.
//
// If connectivity drops mid-pass, the operation currently in flight is left
// to finish or fail naturally, but no further operations are started until
// the queue is back online.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer q.draining.Store(false)

	// Snapshot the eligible IDs up front; operations enqueued mid-pass wait
	// for the next trigger.
	q.mu.Lock()
	ids := make([]string, len(q.order))
	copy(ids, q.order)
	onDrain := q.onDrain
	q.mu.Unlock()

	start := time.Now()
	var processed, succeeded int
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !q.monitor.IsOnline() {
			q.logger.Printf("connectivity lost mid-drain, %d operation(s) deferred", len(ids)-processed)
			break
		}

		now := q.clock.Now()

		q.mu.Lock()
		op, ok := q.ops[id]
		if !ok || op.Status != StatusPending || op.NextAttemptAt.After(now) {
			q.mu.Unlock()
			continue
		}
		op.Status = StatusInFlight
		handler := q.handlers[op.Type]
		attempt := *op
		q.mu.Unlock()

		processed++
		if err := q.persistOp(ctx, &attempt); err != nil {
			return err
		}

		var herr error
		if handler == nil {
			// The type was registered when enqueued (or persisted by an
			// older process) but has no handler now. Treat as a failed
			// attempt so it retries once a handler is rebound.
			herr = &HandlerExecutionError{OperationID: attempt.ID, Type: attempt.Type,
				Err: &UnregisteredHandlerError{Type: attempt.Type}}
		} else if err := handler(ctx, attempt.Payload); err != nil {
			herr = &HandlerExecutionError{OperationID: attempt.ID, Type: attempt.Type, Err: err}
		}

		if herr == nil {
			if err := q.complete(ctx, id); err != nil {
				return err
			}
			succeeded++
			continue
		}

		if err := q.recordFailure(ctx, id, now, herr); err != nil {
			return err
		}
	}

	if processed > 0 {
		q.logger.Printf("drain pass complete: %d attempted, %d succeeded", processed, succeeded)
		if onDrain != nil {
			onDrain(processed, succeeded, time.Since(start))
		}
	}

	return nil
}

// complete removes a successfully delivered operation.
func (q *Queue) complete(ctx context.Context, id string) error {
	q.mu.Lock()
	q.dropLocked(id)
	q.mu.Unlock()

	if err := q.kv.Delete(ctx, Namespace, id); err != nil {
		return err
	}
	return q.syncIndex(ctx)
}

// recordFailure applies the backoff schedule or, at the retry ceiling,
// parks the operation as Failed.
func (q *Queue) recordFailure(ctx context.Context, id string, now time.Time, herr error) error {
	q.mu.Lock()
	op, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}

	delay := q.backoff(op.Attempt)
	op.Attempt++
	op.LastError = herr.Error()

	if op.Attempt >= op.MaxRetries {
		op.Status = StatusFailed
		if op.DedupeKey != "" && q.byDedupe[op.DedupeKey] == id {
			// A Failed entry no longer counts for dedupe; a fresh enqueue
			// with the same key starts a new operation.
			delete(q.byDedupe, op.DedupeKey)
		}
		q.logger.Printf("operation %s failed permanently after %d attempt(s): %v", id, op.Attempt, herr)
	} else {
		op.Status = StatusPending
		op.NextAttemptAt = now.Add(delay)
		q.logger.Printf("operation %s failed (attempt %d/%d), retry in %v: %v",
			id, op.Attempt, op.MaxRetries, delay, herr)
	}

	snapshot := *op
	q.mu.Unlock()

	return q.persistOp(ctx, &snapshot)
}

// backoff returns the delay before the next attempt given the number of
// failures already recorded: min(BaseDelay * 2^attempt, MaxDelay).
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return q.opts.MaxDelay
	}
	d := q.opts.BaseDelay << uint(attempt)
	if d <= 0 || d > q.opts.MaxDelay {
		return q.opts.MaxDelay
	}
	return d
}

// Start wires the queue to its drain triggers: an offline-to-online
// transition from the network monitor, and a periodic safety-net timer.
// Callers trigger the third case (app resume) by calling Drain directly.
// Start is idempotent; Stop tears the triggers down.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.unsubscribe = q.monitor.Subscribe(func(s netmon.Status) {
		if !s.Connected {
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Printf("drain after online transition failed: %v", err)
			}
		}()
	})

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.opts.DrainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
					q.logger.Printf("periodic drain failed: %v", err)
				}
			}
		}
	}()

	// Catch anything already eligible at startup.
	if q.monitor.IsOnline() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Printf("startup drain failed: %v", err)
			}
		}()
	}
}

// Stop detaches the drain triggers and waits for any running drain spawned
// by Start to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	unsubscribe := q.unsubscribe
	q.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	q.wg.Wait()
}
