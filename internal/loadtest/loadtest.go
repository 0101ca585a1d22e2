// Package loadtest provides load testing utilities for the satchel store.
//
// This package simulates concurrent client access patterns to validate that
// the store can handle many readers alongside a writer with low read latency.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/offlinefirst/satchel/internal/store"
)

// TestStore represents a populated store for load testing.
type TestStore struct {
	KV           *store.Store
	Namespace    string
	Keys         []string
	TotalEntries int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalReads int
	Errors     int
	Durations  []time.Duration
}

// benchRecord is the value shape seeded into the store.
type benchRecord struct {
	Title     string    `json:"title"`
	Seq       int       `json:"seq"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTestStore opens a store at dbPath and seeds it with numEntries
// JSON records in a single namespace.
func CreateTestStore(dbPath string, numEntries int) (*TestStore, error) {
	kv, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ts := &TestStore{
		KV:           kv,
		Namespace:    "bench",
		Keys:         make([]string, 0, numEntries),
		TotalEntries: numEntries,
	}

	baseTime := time.Now().Add(-30 * 24 * time.Hour) // 30 days ago

	ctx := context.Background()
	const batchSize = 500
	for offset := 0; offset < numEntries; offset += batchSize {
		batch := make(map[string]any, batchSize)
		for i := offset; i < offset+batchSize && i < numEntries; i++ {
			key := fmt.Sprintf("entry-%05d", i)
			batch[key] = benchRecord{
				Title:     fmt.Sprintf("Entry %d", i),
				Seq:       i,
				Tags:      []string{"loadtest", fmt.Sprintf("batch-%d", i/100)},
				CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			}
			ts.Keys = append(ts.Keys, key)
		}

		failures, err := kv.MultiSet(ctx, ts.Namespace, batch)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("failed to seed store: %w", err)
		}
		if len(failures) > 0 {
			_ = kv.Close()
			return nil, fmt.Errorf("failed to seed %d entries", len(failures))
		}
	}

	return ts, nil
}

// Close closes the underlying store.
func (ts *TestStore) Close() error {
	if ts.KV != nil {
		return ts.KV.Close()
	}
	return nil
}

// RunConcurrentReads simulates N concurrent readers fetching random keys.
//
// Each reader performs readsPerReader lookups, recording latency for each.
// Returns aggregated latency statistics.
func (ts *TestStore) RunConcurrentReads(numReaders, readsPerReader int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	var allDurations []time.Duration
	var errorCount int

	resultsChan := make(chan []time.Duration, numReaders)
	errorsChan := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(readerID)))
			durations := make([]time.Duration, 0, readsPerReader)
			ctx := context.Background()

			for j := 0; j < readsPerReader; j++ {
				key := ts.Keys[rng.Intn(len(ts.Keys))]

				start := time.Now()
				var rec benchRecord
				found, err := ts.KV.Get(ctx, ts.Namespace, key, &rec)
				elapsed := time.Since(start)

				durations = append(durations, elapsed)

				if err != nil {
					errorsChan <- fmt.Errorf("reader %d read %d failed: %w", readerID, j, err)
					return
				}
				if !found {
					errorsChan <- fmt.Errorf("reader %d: seeded key %s missing", readerID, key)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	for range errorsChan {
		errorCount++
	}

	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful reads completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount

	return stats, nil
}

// VerifyConcurrentAccess runs readers against a live writer for the given
// duration and checks that every value read parses back intact.
func (ts *TestStore) VerifyConcurrentAccess(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	// One writer continuously overwriting existing keys
	wg.Add(1)
	go func() {
		defer wg.Done()

		rng := rand.New(rand.NewSource(42))
		for seq := 0; ; seq++ {
			select {
			case <-ctx.Done():
				return
			default:
				key := ts.Keys[rng.Intn(len(ts.Keys))]
				rec := benchRecord{Title: "rewrite", Seq: seq, CreatedAt: time.Now()}
				if err := ts.KV.Set(ctx, ts.Namespace, key, rec); err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("writer failed: %w", err)
					return
				}
			}
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(readerID)))
			for {
				select {
				case <-ctx.Done():
					return
				default:
					key := ts.Keys[rng.Intn(len(ts.Keys))]
					var rec benchRecord
					found, err := ts.KV.Get(ctx, ts.Namespace, key, &rec)
					if err != nil && ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d read failed: %w", readerID, err)
						return
					}
					if found && rec.Title == "" {
						errorsChan <- fmt.Errorf("reader %d read torn value for %s", readerID, key)
						return
					}

					time.Sleep(1 * time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}

	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       mean,
		P50:        p50,
		P95:        p95,
		P99:        p99,
		TotalReads: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Reads:  %d\n", s.TotalReads)
	fmt.Printf("  Errors:       %d\n", s.Errors)
	fmt.Printf("  Min:          %v\n", s.Min)
	fmt.Printf("  P50 (Median): %v\n", s.P50)
	fmt.Printf("  Mean:         %v\n", s.Mean)
	fmt.Printf("  P95:          %v\n", s.P95)
	fmt.Printf("  P99:          %v\n", s.P99)
	fmt.Printf("  Max:          %v\n", s.Max)
}
