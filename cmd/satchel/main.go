// satchel is an offline-first sync toolkit: a durable key-value store,
// a TTL/LRU cache, a network monitor, and a retryable sync queue, plus
// the daemon that drives them.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/satchel/internal/config"
	"github.com/offlinefirst/satchel/internal/netmon"
	"github.com/offlinefirst/satchel/internal/queue"
	"github.com/offlinefirst/satchel/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "Offline-first sync queue for local-first applications",
	Long: `satchel keeps local writes safe while the network is away.

Operations are persisted in a local SQLite store and replayed in order
once connectivity returns, with exponential backoff and deduplication.`,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig exits on unreadable configuration so commands can assume it.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	kv, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store at %s: %v\n", cfg.DBPath, err)
		os.Exit(1)
	}
	return kv
}

func newMonitor(cfg *config.Config, logger *log.Logger) *netmon.Monitor {
	return netmon.New(netmon.NewHTTPProber(cfg.ProbeURL), &netmon.Config{
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
}

func newQueue(ctx context.Context, kv *store.Store, monitor queue.Connectivity, cfg *config.Config, logger *log.Logger) *queue.Queue {
	q, err := queue.New(ctx, kv, monitor, nil, queue.Options{
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		DefaultMaxRetries: cfg.MaxRetries,
		DrainInterval:     cfg.DrainInterval,
		Logger:            logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading queue: %v\n", err)
		os.Exit(1)
	}
	registerBuiltinHandlers(q)
	return q
}
