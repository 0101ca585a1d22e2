// Package daemon provides the background process that drives offline sync.
//
// The daemon:
// 1. Watches a spool directory for operation files dropped by other processes
// 2. Enqueues valid spool files and removes them; rejects malformed ones
// 3. Drains the sync queue as connectivity changes
// 4. Periodically publishes queue stats to the dashboard
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/offlinefirst/satchel/internal/dashboard"
	"github.com/offlinefirst/satchel/internal/netmon"
	"github.com/offlinefirst/satchel/internal/queue"
)

// Config holds configuration for the daemon.
type Config struct {
	// SpoolDir is the directory watched for operation files (*.json)
	SpoolDir string

	// DebounceInterval is how long to wait before processing file changes.
	// This batches rapid writes together so half-written files settle.
	DebounceInterval time.Duration

	// StatsInterval is how often to publish queue stats to the dashboard
	StatsInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		StatsInterval:    5 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// spoolEntry is the on-disk format of a spooled operation.
type spoolEntry struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	DedupeKey  string          `json:"dedupe_key,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// Daemon orchestrates spool ingestion, queue draining, and stats publishing.
type Daemon struct {
	queue   *queue.Queue
	monitor queue.Connectivity
	dash    *dashboard.Server // may be nil
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe func()
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - q: the sync queue to feed and drain
//   - monitor: the network monitor driving drain triggers
//
// dash is optional; pass nil to run without a dashboard.
// Use Start() to begin watching and syncing.
func New(q *queue.Queue, monitor queue.Connectivity, dash *dashboard.Server, config *Config) (*Daemon, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SpoolDir == "" {
		return nil, fmt.Errorf("SpoolDir cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		queue:       q,
		monitor:     monitor,
		dash:        dash,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Ingest any spool files already on disk
// 2. Start watching the spool directory for new files
// 3. Publish queue stats periodically
// 4. Drain the queue on SIGUSR1
//
// This blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.config.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Ingest whatever was spooled while we were down
	if err := d.ScanSpool(); err != nil {
		return fmt.Errorf("initial spool scan failed: %w", err)
	}

	if err := d.watcher.Add(d.config.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.config.SpoolDir)

	if d.dash != nil {
		d.unsubscribe = d.monitor.Subscribe(func(status netmon.Status) {
			d.dash.Broadcast(dashboard.NewNetworkMessage(status))
		})
		d.queue.OnDrainComplete(func(attempted, succeeded int, elapsed time.Duration) {
			d.dash.Broadcast(dashboard.NewDrainCompleteMessage(attempted, succeeded, elapsed))
			d.dash.Broadcast(dashboard.NewStatsMessage(d.queue.Stats()))
		})
	}

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.publishStats()

	d.wg.Add(1)
	go d.handleSignals()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	// Signal shutdown
	d.cancel()

	// Close watcher
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	// Wait for goroutines to finish
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// ScanSpool ingests every spool file currently on disk, oldest first.
//
// It's called on startup and can be triggered manually.
func (d *Daemon) ScanSpool() error {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(d.config.SpoolDir, entry.Name()))
	}
	sort.Strings(paths)

	d.config.Logger.Printf("Scanning spool: %d files", len(paths))
	for _, path := range paths {
		if err := d.ingestSpoolFile(path); err != nil {
			d.config.Logger.Printf("Warning: failed to ingest %s: %v", path, err)
		}
	}
	return nil
}

// ingestSpoolFile enqueues a single spool file and removes it on success.
// Malformed or unroutable files are renamed with a .rejected suffix so
// they stop matching the watcher and can be inspected later.
func (d *Daemon) ingestSpoolFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already ingested by a previous pass
			return nil
		}
		return fmt.Errorf("failed to read spool file: %w", err)
	}

	var entry spoolEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		d.config.Logger.Printf("Rejecting malformed spool file %s: %v", path, err)
		return d.reject(path)
	}
	if entry.Type == "" {
		d.config.Logger.Printf("Rejecting spool file %s: missing type", path)
		return d.reject(path)
	}

	opts := []queue.EnqueueOption{}
	if entry.DedupeKey != "" {
		opts = append(opts, queue.WithDedupeKey(entry.DedupeKey))
	}
	if entry.MaxRetries > 0 {
		opts = append(opts, queue.WithMaxRetries(entry.MaxRetries))
	}

	id, err := d.queue.Enqueue(d.ctx, entry.Type, entry.Payload, opts...)
	if err != nil {
		d.config.Logger.Printf("Rejecting spool file %s: %v", path, err)
		return d.reject(path)
	}

	d.config.Logger.Printf("Enqueued %s as %s (%s)", filepath.Base(path), id, entry.Type)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}
	return nil
}

// reject renames a spool file out of the watched extension.
func (d *Daemon) reject(path string) error {
	if err := os.Rename(path, path+".rejected"); err != nil {
		return fmt.Errorf("failed to reject spool file: %w", err)
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; removes are our own cleanup
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files that have been quiet for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if err := d.ingestSpoolFile(path); err != nil {
			d.config.Logger.Printf("Error ingesting %s: %v", path, err)
		}
	}
}

// publishStats periodically pushes queue stats to the dashboard.
func (d *Daemon) publishStats() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.dash != nil {
				d.dash.Broadcast(dashboard.NewStatsMessage(d.queue.Stats()))
			}
		}
	}
}

// handleSignals triggers a manual drain on SIGUSR1.
func (d *Daemon) handleSignals() {
	defer d.wg.Done()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-sigCh:
			d.config.Logger.Println("SIGUSR1 received, draining queue")
			go func() {
				if err := d.queue.Drain(d.ctx); err != nil {
					d.config.Logger.Printf("Manual drain error: %v", err)
				}
			}()
		}
	}
}
