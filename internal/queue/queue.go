// Package queue implements the durable sync queue: locally-originated
// mutations are persisted, deduplicated, and delivered to registered
// handlers when the network allows, with exponential backoff between
// attempts and a per-operation retry ceiling.
//
// Lifecycle per operation:
//
//	Pending -> InFlight -> removed           (handler succeeded)
//	                    -> Pending (backoff) (handler failed, retries left)
//	                    -> Failed            (retry ceiling hit, retained)
//
// Failed operations are never dropped automatically; they stay visible
// through Stats and Failed until an operator calls ClearFailed, so an
// operation that will never succeed is observable rather than silently lost.
//
// Every entry is persisted to the key-value store at enqueue time and on
// every state transition, so the queue reconstructs itself across process
// restarts. Operations found InFlight during reload revert to Pending: the
// process died mid-drain and the handler outcome is unknown, so handlers are
// expected to be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/offlinefirst/satchel/internal/netmon"
	"github.com/offlinefirst/satchel/internal/store"
)

// Status of a queued operation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
)

// Namespace is the key-value store namespace owned by the queue.
const Namespace = "syncqueue"

// indexKey holds the FIFO-ordered list of live operation IDs. Operation IDs
// are UUIDs, so the key never collides with one.
const indexKey = "index"

// Operation is a persisted queue entry.
type Operation struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupe_key,omitempty"`
	Attempt       int             `json:"attempt"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        Status          `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
}

// Handler executes one operation against the remote collaborator. A nil
// return is success; any error is failure and schedules a retry. Handlers
// perform the actual network request and should be idempotent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Connectivity is the slice of the network monitor the queue depends on.
// *netmon.Monitor satisfies it; tests inject fakes.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(netmon.Status)) (unsubscribe func())
}

// Options configures retry scheduling.
type Options struct {
	// BaseDelay is the first retry delay (default: 1s).
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff (default: 30s).
	MaxDelay time.Duration

	// DefaultMaxRetries applies to operations enqueued without an explicit
	// ceiling (default: 5).
	DefaultMaxRetries int

	// DrainInterval is the periodic safety-net drain used by Start
	// (default: 30s).
	DrainInterval time.Duration

	// Logger for queue activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

func (o *Options) applyDefaults() {
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.DefaultMaxRetries == 0 {
		o.DefaultMaxRetries = 5
	}
	if o.DrainInterval == 0 {
		o.DrainInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
}

// Stats is a point-in-time queue census.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Queue is a durable, deduplicated operation queue. One Queue instance owns
// its store namespace; multi-process sharing of the same database is not
// coordinated.
type Queue struct {
	kv      *store.Store
	monitor Connectivity
	clock   Clock
	opts    Options
	logger  *log.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	ops      map[string]*Operation
	order    []string          // live operation IDs, FIFO by CreatedAt
	byDedupe map[string]string // dedupe key -> live operation ID
	onDrain  func(attempted, succeeded int, elapsed time.Duration)

	draining atomic.Bool

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	started     bool
}

// New creates a Queue over the given store and reloads any persisted
// operations. clock may be nil (system clock).
func New(ctx context.Context, kv *store.Store, monitor Connectivity, clock Clock, opts Options) (*Queue, error) {
	opts.applyDefaults()
	if clock == nil {
		clock = SystemClock()
	}

	q := &Queue{
		kv:       kv,
		monitor:  monitor,
		clock:    clock,
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string]Handler),
		ops:      make(map[string]*Operation),
		byDedupe: make(map[string]string),
	}

	if err := q.reload(ctx); err != nil {
		return nil, err
	}

	return q, nil
}

// reload reconstructs queue state from the store: the index gives FIFO
// order, and any orphaned operations (persisted but missing from the index
// after a crash between writes) are appended in CreatedAt order.
func (q *Queue) reload(ctx context.Context) error {
	var index []string
	if _, err := q.kv.Get(ctx, Namespace, indexKey, &index); err != nil {
		return fmt.Errorf("failed to load queue index: %w", err)
	}

	seen := make(map[string]bool, len(index))
	for _, id := range index {
		op, ok, err := q.loadOp(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		q.adopt(op)
		seen[id] = true
	}

	keys, err := q.kv.Keys(ctx, Namespace)
	if err != nil {
		return fmt.Errorf("failed to scan queue namespace: %w", err)
	}

	var orphans []*Operation
	for _, key := range keys {
		if key == indexKey || seen[key] {
			continue
		}
		op, ok, err := q.loadOp(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			orphans = append(orphans, op)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].CreatedAt.Before(orphans[j].CreatedAt)
	})
	for _, op := range orphans {
		q.adopt(op)
	}

	// Persist any InFlight->Pending reversions and the repaired index.
	for _, id := range q.order {
		if err := q.persistOp(ctx, q.ops[id]); err != nil {
			return err
		}
	}
	if err := q.persistIndex(ctx); err != nil {
		return err
	}

	if len(q.order) > 0 {
		q.logger.Printf("reloaded %d operation(s) from store", len(q.order))
	}

	return nil
}

func (q *Queue) loadOp(ctx context.Context, id string) (*Operation, bool, error) {
	var op Operation
	found, err := q.kv.Get(ctx, Namespace, id, &op)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load operation %s: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}
	return &op, true, nil
}

// adopt registers a reloaded operation in memory. InFlight entries revert
// to Pending: the previous process died mid-drain.
func (q *Queue) adopt(op *Operation) {
	if op.Status == StatusInFlight {
		op.Status = StatusPending
	}
	q.ops[op.ID] = op
	q.order = append(q.order, op.ID)
	if op.DedupeKey != "" && op.Status != StatusFailed {
		q.byDedupe[op.DedupeKey] = op.ID
	}
}

// RegisterHandler binds a handler to an operation type. Re-registering the
// same type overwrites the previous handler; last write wins. This is
// intentional so hot-reload scenarios can swap handlers in place.
func (q *Queue) RegisterHandler(opType string, h Handler) {
	q.mu.Lock()
	q.handlers[opType] = h
	q.mu.Unlock()
}

// OnDrainComplete registers a callback invoked after every drain pass that
// attempted at least one operation. Used by the daemon to publish stats.
func (q *Queue) OnDrainComplete(fn func(attempted, succeeded int, elapsed time.Duration)) {
	q.mu.Lock()
	q.onDrain = fn
	q.mu.Unlock()
}

// EnqueueOption customizes a single enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	maxRetries int
	dedupeKey  string
}

// WithMaxRetries overrides the queue's default retry ceiling for this
// operation.
func WithMaxRetries(n int) EnqueueOption {
	return func(c *enqueueConfig) { c.maxRetries = n }
}

// WithDedupeKey coalesces this enqueue with any live Pending or InFlight
// operation carrying the same key: the existing entry's payload is replaced
// rather than a second entry being added (last write wins). Appropriate for
// "update X" operations where only the final state matters.
func WithDedupeKey(key string) EnqueueOption {
	return func(c *enqueueConfig) { c.dedupeKey = key }
}

// Enqueue persists a new operation and returns its ID.
//
// payload may be any JSON-serializable value (json.RawMessage passes
// through untouched). Enqueueing a type with no registered handler fails
// with *UnregisteredHandlerError. The entry is durable before Enqueue
// returns.
func (q *Queue) Enqueue(ctx context.Context, opType string, payload any, options ...EnqueueOption) (string, error) {
	cfg := enqueueConfig{maxRetries: q.opts.DefaultMaxRetries}
	for _, opt := range options {
		opt(&cfg)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return "", &store.SerializationError{Namespace: Namespace, Key: opType, Err: err}
		}
		raw = data
	}

	q.mu.Lock()

	if _, ok := q.handlers[opType]; !ok {
		q.mu.Unlock()
		return "", &UnregisteredHandlerError{Type: opType}
	}

	// Dedupe-key coalescing: replace the live entry's payload in place,
	// keeping its ID, attempt count, and queue position.
	if cfg.dedupeKey != "" {
		if id, ok := q.byDedupe[cfg.dedupeKey]; ok {
			op := q.ops[id]
			op.Payload = raw
			op.MaxRetries = cfg.maxRetries
			snapshot := *op
			q.mu.Unlock()

			if err := q.persistOp(ctx, &snapshot); err != nil {
				return "", err
			}
			q.logger.Printf("coalesced %s operation %s (dedupe key %q)", opType, id, cfg.dedupeKey)
			return id, nil
		}
	}

	now := q.clock.Now()
	op := &Operation{
		ID:            uuid.NewString(),
		Type:          opType,
		Payload:       raw,
		DedupeKey:     cfg.dedupeKey,
		MaxRetries:    cfg.maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		Status:        StatusPending,
	}

	q.ops[op.ID] = op
	q.order = append(q.order, op.ID)
	if cfg.dedupeKey != "" {
		q.byDedupe[cfg.dedupeKey] = op.ID
	}
	snapshot := *op
	q.mu.Unlock()

	if err := q.persistOp(ctx, &snapshot); err != nil {
		return "", err
	}
	if err := q.syncIndex(ctx); err != nil {
		return "", err
	}

	q.logger.Printf("enqueued %s operation %s", opType, op.ID)
	return op.ID, nil
}

// Stats returns a point-in-time census of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(q.ops)
	return s
}

// Snapshot returns copies of all live operations in FIFO order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Operation, 0, len(q.order))
	for _, id := range q.order {
		if op, ok := q.ops[id]; ok {
			out = append(out, *op)
		}
	}
	return out
}

// Failed returns copies of all Failed operations in FIFO order.
func (q *Queue) Failed() []Operation {
	var out []Operation
	for _, op := range q.Snapshot() {
		if op.Status == StatusFailed {
			out = append(out, op)
		}
	}
	return out
}

// ClearFailed drops all Failed operations and returns the count removed.
// This is an explicit operator action; Failed entries are never dropped
// automatically.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	var removed []string
	for _, id := range q.order {
		if op := q.ops[id]; op != nil && op.Status == StatusFailed {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		q.dropLocked(id)
	}
	q.mu.Unlock()

	for _, id := range removed {
		if err := q.kv.Delete(ctx, Namespace, id); err != nil {
			return len(removed), err
		}
	}
	if len(removed) > 0 {
		if err := q.syncIndex(ctx); err != nil {
			return len(removed), err
		}
	}

	return len(removed), nil
}

// Cancel removes a Pending operation. InFlight operations cannot be
// cancelled; the handler call is already executing and is left to finish.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	op, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("operation %s not found", id)
	}
	if op.Status == StatusInFlight {
		q.mu.Unlock()
		return fmt.Errorf("operation %s is in flight and cannot be cancelled", id)
	}
	q.dropLocked(id)
	q.mu.Unlock()

	if err := q.kv.Delete(ctx, Namespace, id); err != nil {
		return err
	}
	return q.syncIndex(ctx)
}

// dropLocked removes an operation from the in-memory maps. Caller holds q.mu
// and is responsible for store cleanup.
func (q *Queue) dropLocked(id string) {
	op, ok := q.ops[id]
	if !ok {
		return
	}
	delete(q.ops, id)
	if op.DedupeKey != "" && q.byDedupe[op.DedupeKey] == id {
		delete(q.byDedupe, op.DedupeKey)
	}
	for i, other := range q.order {
		if other == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) persistOp(ctx context.Context, op *Operation) error {
	if err := q.kv.Set(ctx, Namespace, op.ID, op); err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", op.ID, err)
	}
	return nil
}

// syncIndex snapshots the order under the lock and writes it out.
func (q *Queue) syncIndex(ctx context.Context) error {
	q.mu.Lock()
	index := make([]string, len(q.order))
	copy(index, q.order)
	q.mu.Unlock()
	return q.persistIndexSnapshot(ctx, index)
}

// persistIndex writes the current order without taking the lock. Only used
// from reload, before the queue is shared.
func (q *Queue) persistIndex(ctx context.Context) error {
	return q.persistIndexSnapshot(ctx, q.order)
}

func (q *Queue) persistIndexSnapshot(ctx context.Context, index []string) error {
	if err := q.kv.Set(ctx, Namespace, indexKey, index); err != nil {
		return fmt.Errorf("failed to persist queue index: %w", err)
	}
	return nil
}
