package loadtest

import (
	"path/filepath"
	"testing"
	"time"
)

// TestCreateTestStore verifies that we can seed a store with the expected entries.
func TestCreateTestStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bench.db")

	ts, err := CreateTestStore(dbPath, 100)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	if len(ts.Keys) != 100 {
		t.Errorf("Expected 100 keys, got %d", len(ts.Keys))
	}
	if ts.TotalEntries != 100 {
		t.Errorf("Expected TotalEntries=100, got %d", ts.TotalEntries)
	}
}

// TestConcurrentReads_Small verifies basic concurrent read functionality.
func TestConcurrentReads_Small(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bench.db")

	ts, err := CreateTestStore(dbPath, 100)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	// Run 10 concurrent readers, 5 reads each
	stats, err := ts.RunConcurrentReads(10, 5)
	if err != nil {
		t.Fatalf("Concurrent reads failed: %v", err)
	}

	if stats.Errors > 0 {
		t.Errorf("Got %d errors during reads", stats.Errors)
	}
	if stats.TotalReads != 50 {
		t.Errorf("Expected 50 total reads, got %d", stats.TotalReads)
	}

	stats.PrintStats()
}

// TestVerifyConcurrentAccess runs readers against a live writer briefly.
func TestVerifyConcurrentAccess(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent access verification in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "bench.db")

	ts, err := CreateTestStore(dbPath, 50)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	if err := ts.VerifyConcurrentAccess(4, 200*time.Millisecond); err != nil {
		t.Fatalf("Concurrent access verification failed: %v", err)
	}
}
