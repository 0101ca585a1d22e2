// Package cache provides a TTL- and LRU-bounded cache with single-flight
// loading and pattern invalidation.
//
// A Manager is constructed either in-memory (entries die with the process)
// or persistent (entries live in a key-value store namespace and are
// reloaded on construction). One backend per instance, never both.
//
// Expiry is lazy: an entry past its TTL is reported as a miss on the next
// read and removed then, so correctness never depends on a sweep having run.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/offlinefirst/satchel/internal/store"
)

// Stats holds cumulative counters since construction.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// entryMeta is the in-memory access record used for TTL checks and LRU
// eviction. Entry bodies live in the backend.
type entryMeta struct {
	storedAt     time.Time
	ttl          time.Duration
	lastAccessed time.Time
}

func (m entryMeta) expired(now time.Time) bool {
	return now.Sub(m.storedAt) > m.ttl
}

// Manager is a bounded, TTL-expiring cache.
type Manager struct {
	backend backend
	maxSize int

	mu   sync.Mutex
	meta map[string]*entryMeta

	hits      int64
	misses    int64
	evictions int64

	flight singleflight.Group

	// now is overridable in tests.
	now func() time.Time
}

// NewMemory creates an ephemeral Manager holding at most maxSize entries.
func NewMemory(maxSize int) *Manager {
	return &Manager{
		backend: newMemoryBackend(),
		maxSize: maxSize,
		meta:    make(map[string]*entryMeta),
		now:     time.Now,
	}
}

// NewPersistent creates a Manager whose entries live in a namespace of the
// given store. Entries already present in the namespace are reloaded; their
// last-access time resets to their stored-at time since access order is not
// persisted.
func NewPersistent(ctx context.Context, kv *store.Store, namespace string, maxSize int) (*Manager, error) {
	m := &Manager{
		backend: newStoreBackend(kv, namespace),
		maxSize: maxSize,
		meta:    make(map[string]*entryMeta),
		now:     time.Now,
	}

	entries, err := m.backend.all(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reload cache namespace %s: %w", namespace, err)
	}

	now := m.now()
	for key, e := range entries {
		ttl := time.Duration(e.TTLMs) * time.Millisecond
		if now.Sub(e.StoredAt) > ttl {
			_ = m.backend.remove(ctx, key)
			continue
		}
		m.meta[key] = &entryMeta{
			storedAt:     e.StoredAt,
			ttl:          ttl,
			lastAccessed: e.StoredAt,
		}
	}

	return m, nil
}

// Get reads the cached value for key into dest.
//
// Returns (false, nil) on a miss; an entry past its TTL counts as a miss and
// is removed. A hit refreshes the entry's last-access time.
func (m *Manager) Get(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()

	meta, ok := m.meta[key]
	if !ok {
		m.misses++
		m.mu.Unlock()
		return false, nil
	}

	if meta.expired(m.now()) {
		delete(m.meta, key)
		m.misses++
		m.mu.Unlock()
		_ = m.backend.remove(ctx, key)
		return false, nil
	}

	meta.lastAccessed = m.now()
	m.hits++
	m.mu.Unlock()

	e, found, err := m.backend.load(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		// Metadata said present but the backend disagrees; treat as miss.
		m.mu.Lock()
		delete(m.meta, key)
		m.mu.Unlock()
		return false, nil
	}

	if err := json.Unmarshal(e.Value, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}

	return true, nil
}

// Set inserts or overwrites the value for key with the given TTL.
//
// When inserting a new key would push the cache past maxSize, the entry with
// the oldest last-access time is evicted first; ties break by earliest
// stored-at time.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &store.SerializationError{Namespace: "cache", Key: key, Err: err}
	}

	now := m.now()
	entry := persistedEntry{
		Value:    data,
		StoredAt: now,
		TTLMs:    ttl.Milliseconds(),
	}

	if err := m.backend.save(ctx, key, entry); err != nil {
		return err
	}

	m.mu.Lock()
	_, existed := m.meta[key]
	m.meta[key] = &entryMeta{storedAt: now, ttl: ttl, lastAccessed: now}

	var evict string
	if !existed && m.maxSize > 0 && len(m.meta) > m.maxSize {
		evict = m.lruVictim(key)
		if evict != "" {
			delete(m.meta, evict)
			m.evictions++
		}
	}
	m.mu.Unlock()

	if evict != "" {
		_ = m.backend.remove(ctx, evict)
	}

	return nil
}

// lruVictim picks the least-recently-accessed entry other than exclude.
// Caller holds m.mu.
func (m *Manager) lruVictim(exclude string) string {
	var victim string
	var victimMeta *entryMeta

	for key, meta := range m.meta {
		if key == exclude {
			continue
		}
		if victimMeta == nil ||
			meta.lastAccessed.Before(victimMeta.lastAccessed) ||
			(meta.lastAccessed.Equal(victimMeta.lastAccessed) && meta.storedAt.Before(victimMeta.storedAt)) {
			victim = key
			victimMeta = meta
		}
	}

	return victim
}

// GetOrSet returns the cached value for key, computing and storing it on a
// miss (cache-aside).
//
// Concurrent calls for the same key share a single in-flight compute; late
// callers wait for the first result instead of recomputing. A compute
// failure propagates to every waiter and is never cached, so the next call
// retries. A caller whose context is done stops waiting without cancelling
// the in-flight compute.
func (m *Manager) GetOrSet(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (any, error), dest any) error {
	if found, err := m.Get(ctx, key, dest); err != nil {
		return err
	} else if found {
		return nil
	}

	ch := m.flight.DoChan(key, func() (any, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Set(ctx, key, value, ttl); err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate removes every entry whose key matches pattern and returns the
// count removed. The pattern is an anchored regular expression, so a plain
// key with no metacharacters acts as an exact match.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return 0, fmt.Errorf("invalid invalidation pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	var matched []string
	for key := range m.meta {
		if re.MatchString(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		delete(m.meta, key)
	}
	m.mu.Unlock()

	for _, key := range matched {
		_ = m.backend.remove(ctx, key)
	}

	return len(matched), nil
}

// Stats returns cumulative counters since construction.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Size:      len(m.meta),
	}
}
