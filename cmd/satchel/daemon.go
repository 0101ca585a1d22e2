package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offlinefirst/satchel/internal/daemon"
	"github.com/offlinefirst/satchel/internal/dashboard"
	"github.com/offlinefirst/satchel/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "queue",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the satchel sync daemon in the foreground.

The daemon will:
  1. Watch the spool directory for new operation files
  2. Enqueue them into the durable sync queue
  3. Drain the queue whenever connectivity returns
  4. Optionally serve a WebSocket dashboard with live queue stats

Send SIGUSR1 to force a drain pass. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		cfg := loadConfig()

		logger := daemonLogger(cfg.LogFile)

		kv := openStore(cfg)
		defer kv.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		monitor := newMonitor(cfg, logger)
		monitor.Start(ctx)
		defer monitor.Stop()

		q := newQueue(ctx, kv, monitor, cfg, logger)
		q.Start(ctx)
		defer q.Stop()

		var dash *dashboard.Server
		if withDashboard {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:    cfg.DashboardPort,
				StatsFn: q.Stats,
				Logger:  logger,
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer dash.Stop()
			fmt.Printf("Dashboard: http://%s  (ws://%s/ws)\n", dash.GetAddr(), dash.GetAddr())
		}

		d, err := daemon.New(q, monitor, dash, &daemon.Config{
			SpoolDir: cfg.SpoolDir,
			Logger:   logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting satchel daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", cfg.DBPath)
		fmt.Printf("   Spool: %s\n", cfg.SpoolDir)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

// daemonLogger writes to stderr and, when configured, a rotated log file.
func daemonLogger(logFile string) *log.Logger {
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return log.New(w, "[satchel] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	rootCmd.AddCommand(daemonCmd)
}
