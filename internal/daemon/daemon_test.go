package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/offlinefirst/satchel/internal/netmon"
	"github.com/offlinefirst/satchel/internal/queue"
	"github.com/offlinefirst/satchel/internal/store"
)

// fakeNet is a Connectivity stub that stays offline so drains never
// consume the operations the tests assert on.
type fakeNet struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeNet) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeNet) Subscribe(fn func(netmon.Status)) func() {
	return func() {}
}

type testEnv struct {
	spoolDir string
	q        *queue.Queue
	daemon   *Daemon
}

func setupTestDaemon(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	kv, err := store.Open(filepath.Join(tmpDir, "satchel.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	quiet := log.New(io.Discard, "", 0)

	q, err := queue.New(context.Background(), kv, &fakeNet{}, nil, queue.Options{Logger: quiet})
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	q.RegisterHandler("createTask", func(ctx context.Context, payload json.RawMessage) error {
		return nil
	})

	spoolDir := filepath.Join(tmpDir, "spool")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		t.Fatalf("Failed to create spool dir: %v", err)
	}

	d, err := New(q, &fakeNet{}, nil, &Config{
		SpoolDir:         spoolDir,
		DebounceInterval: 20 * time.Millisecond,
		StatsInterval:    time.Second,
		Logger:           quiet,
	})
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	return &testEnv{spoolDir: spoolDir, q: q, daemon: d}
}

func writeSpoolFile(t *testing.T, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("Failed to write spool file: %v", err)
	}
	return path
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestNewValidation(t *testing.T) {
	env := setupTestDaemon(t)

	tests := []struct {
		name    string
		q       *queue.Queue
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid configuration",
			q:       env.q,
			config:  &Config{SpoolDir: env.spoolDir},
			wantErr: false,
		},
		{
			name:    "nil queue",
			q:       nil,
			config:  &Config{SpoolDir: env.spoolDir},
			wantErr: true,
		},
		{
			name:    "empty spool dir",
			q:       env.q,
			config:  &Config{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.q, &fakeNet{}, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScanSpoolEnqueues(t *testing.T) {
	env := setupTestDaemon(t)

	path := writeSpoolFile(t, env.spoolDir, "op1.json",
		`{"type":"createTask","payload":{"title":"Buy milk"},"dedupe_key":"task_1"}`)

	if err := env.daemon.ScanSpool(); err != nil {
		t.Fatalf("ScanSpool failed: %v", err)
	}

	if stats := env.q.Stats(); stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Spool file should be removed after ingestion")
	}
}

func TestScanSpoolRejectsMalformed(t *testing.T) {
	env := setupTestDaemon(t)

	path := writeSpoolFile(t, env.spoolDir, "bad.json", `{not json`)

	if err := env.daemon.ScanSpool(); err != nil {
		t.Fatalf("ScanSpool failed: %v", err)
	}

	if stats := env.q.Stats(); stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if _, err := os.Stat(path + ".rejected"); err != nil {
		t.Errorf("Expected rejected file, got %v", err)
	}
}

func TestScanSpoolRejectsUnknownType(t *testing.T) {
	env := setupTestDaemon(t)

	path := writeSpoolFile(t, env.spoolDir, "unknown.json",
		`{"type":"nope","payload":{}}`)

	if err := env.daemon.ScanSpool(); err != nil {
		t.Fatalf("ScanSpool failed: %v", err)
	}

	if stats := env.q.Stats(); stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if _, err := os.Stat(path + ".rejected"); err != nil {
		t.Errorf("Expected rejected file, got %v", err)
	}
}

func TestWatcherIngestsNewFiles(t *testing.T) {
	env := setupTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.daemon.Start(ctx) }()

	// Give the watcher time to attach
	time.Sleep(100 * time.Millisecond)

	path := writeSpoolFile(t, env.spoolDir, "late.json",
		`{"type":"createTask","payload":{"title":"Walk dog"}}`)

	waitFor(t, 2*time.Second, func() bool {
		return env.q.Stats().Pending == 1
	})
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Daemon exited with error: %v", err)
	}
}
