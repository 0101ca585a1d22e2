package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/offlinefirst/satchel/internal/store"
)

// persistedEntry is the wire shape of a cache entry in backing storage.
type persistedEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTLMs    int64           `json:"ttl_ms"`
}

// backend holds cache entry bodies. The Manager keeps access metadata in
// memory either way; the backend only decides whether entries survive a
// process restart.
type backend interface {
	save(ctx context.Context, key string, e persistedEntry) error
	load(ctx context.Context, key string) (persistedEntry, bool, error)
	remove(ctx context.Context, key string) error
	all(ctx context.Context) (map[string]persistedEntry, error)
}

// memoryBackend keeps entries in a plain map. Ephemeral.
type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]persistedEntry
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]persistedEntry)}
}

func (b *memoryBackend) save(_ context.Context, key string, e persistedEntry) error {
	b.mu.Lock()
	b.entries[key] = e
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) load(_ context.Context, key string) (persistedEntry, bool, error) {
	b.mu.Lock()
	e, ok := b.entries[key]
	b.mu.Unlock()
	return e, ok, nil
}

func (b *memoryBackend) remove(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

func (b *memoryBackend) all(_ context.Context) (map[string]persistedEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]persistedEntry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out, nil
}

// storeBackend persists entries in a key-value store namespace so the cache
// survives restarts.
type storeBackend struct {
	kv        *store.Store
	namespace string
}

func newStoreBackend(kv *store.Store, namespace string) *storeBackend {
	return &storeBackend{kv: kv, namespace: namespace}
}

func (b *storeBackend) save(ctx context.Context, key string, e persistedEntry) error {
	return b.kv.Set(ctx, b.namespace, key, e)
}

func (b *storeBackend) load(ctx context.Context, key string) (persistedEntry, bool, error) {
	var e persistedEntry
	found, err := b.kv.Get(ctx, b.namespace, key, &e)
	return e, found, err
}

func (b *storeBackend) remove(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, b.namespace, key)
}

func (b *storeBackend) all(ctx context.Context) (map[string]persistedEntry, error) {
	keys, err := b.kv.Keys(ctx, b.namespace)
	if err != nil {
		return nil, err
	}

	out := make(map[string]persistedEntry, len(keys))
	for _, key := range keys {
		var e persistedEntry
		found, err := b.kv.Get(ctx, b.namespace, key, &e)
		if err != nil {
			// Corrupt entry: drop it rather than poison the reload.
			_ = b.kv.Delete(ctx, b.namespace, key)
			continue
		}
		if found {
			out[key] = e
		}
	}

	return out, nil
}
