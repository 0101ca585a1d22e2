package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/satchel/internal/ui"
)

var failedCmd = &cobra.Command{
	Use:     "failed",
	GroupID: "queue",
	Short:   "List operations that exhausted their retries",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		kv := openStore(cfg)
		defer kv.Close()

		quiet := log.New(io.Discard, "", 0)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		q := newQueue(ctx, kv, newMonitor(cfg, quiet), cfg, quiet)

		failed := q.Failed()
		if len(failed) == 0 {
			fmt.Printf("%s No failed operations\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s %d failed operation(s)\n\n", ui.RenderWarn("⚠"), len(failed))
		for _, op := range failed {
			fmt.Printf("%s  %s\n", op.ID, op.Type)
			fmt.Printf("   Attempts: %d/%d\n", op.Attempt, op.MaxRetries)
			fmt.Printf("   Created: %s\n", op.CreatedAt.Format("2006-01-02 15:04:05"))
			if op.LastError != "" {
				fmt.Printf("   Last error: %s\n", op.LastError)
			}
			fmt.Println()
		}
	},
}

var clearFailedCmd = &cobra.Command{
	Use:     "clear-failed",
	GroupID: "queue",
	Short:   "Remove all failed operations from the queue",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		kv := openStore(cfg)
		defer kv.Close()

		quiet := log.New(io.Discard, "", 0)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		q := newQueue(ctx, kv, newMonitor(cfg, quiet), cfg, quiet)

		n, err := q.ClearFailed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing failed operations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cleared %d failed operation(s)\n", ui.RenderPass("✓"), n)
	},
}

var drainCmd = &cobra.Command{
	Use:     "drain",
	GroupID: "queue",
	Short:   "Replay pending operations now",
	Long: `Attempt one drain pass over the queue.

Operations are replayed in order of enqueue. The pass stops early if the
network probe reports offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		kv := openStore(cfg)
		defer kv.Close()

		logger := log.New(os.Stderr, "[queue] ", log.LstdFlags)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		monitor := newMonitor(cfg, logger)
		status := monitor.Refresh(ctx)
		if !status.Connected {
			fmt.Printf("%s Offline, nothing to do\n", ui.RenderWarn("⚠"))
			return
		}

		q := newQueue(ctx, kv, monitor, cfg, logger)
		before := q.Stats()
		if before.Pending == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s Draining %d operation(s)...\n", ui.RenderAccent("🔄"), before.Pending)
		start := time.Now()

		if err := q.Drain(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error draining queue: %v\n", err)
			os.Exit(1)
		}

		after := q.Stats()
		fmt.Printf("%s Drain complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced: %d\n", before.Total-after.Total)
		fmt.Printf("   Pending: %d\n", after.Pending)
		fmt.Printf("   Failed: %d\n", after.Failed)
	},
}

func init() {
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(clearFailedCmd)
	rootCmd.AddCommand(drainCmd)
}
