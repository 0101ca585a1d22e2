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

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "queue",
	Short:   "Show store, queue, and network status",
	Long: `Display the current state of the local sync store.

Shows:
  - Store file location and size
  - Queue counts (pending, in-flight, failed)
  - Network connectivity (one-shot probe)`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'satchel daemon' to create %s\n\n", cfg.DBPath)
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking store: %v\n", err)
			os.Exit(1)
		}

		kv := openStore(cfg)
		defer kv.Close()

		quiet := log.New(io.Discard, "", 0)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		monitor := newMonitor(cfg, quiet)
		status := monitor.Refresh(ctx)

		q := newQueue(ctx, kv, monitor, cfg, quiet)
		stats := q.Stats()

		// Format file size
		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Satchel Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Store: %s (%s)\n", cfg.DBPath, sizeStr)
		fmt.Printf("Modified: %s\n\n", info.ModTime().Format("2006-01-02 15:04:05"))

		fmt.Printf("Queue:\n")
		fmt.Printf("  Pending: %d\n", stats.Pending)
		fmt.Printf("  In flight: %d\n", stats.InFlight)
		fmt.Printf("  Failed: %d\n", stats.Failed)
		fmt.Printf("  Total: %d\n\n", stats.Total)

		if status.Connected {
			fmt.Printf("Network: %s online (%s)\n\n", ui.RenderPass("✓"), status.ConnectionType)
		} else {
			fmt.Printf("Network: %s offline\n\n", ui.RenderWarn("⚠"))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
