package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/satchel/internal/loadtest"
	"github.com/offlinefirst/satchel/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure store read latency under concurrent load",
	Long: `Seed a throwaway store and run concurrent readers against it.

Reports min/mean/p50/p95/p99/max read latency. The benchmark database is
created in a temporary directory and removed afterwards.`,
	Run: func(cmd *cobra.Command, args []string) {
		entries, _ := cmd.Flags().GetInt("entries")
		readers, _ := cmd.Flags().GetInt("readers")
		reads, _ := cmd.Flags().GetInt("reads")

		tmpDir, err := os.MkdirTemp("", "satchel-bench-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmpDir)

		fmt.Printf("%s Seeding %d entries...\n", ui.RenderAccent("🔄"), entries)
		ts, err := loadtest.CreateTestStore(filepath.Join(tmpDir, "bench.db"), entries)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error seeding store: %v\n", err)
			os.Exit(1)
		}
		defer ts.Close()

		fmt.Printf("%s Running %d readers x %d reads...\n\n", ui.RenderAccent("🔄"), readers, reads)
		stats, err := ts.RunConcurrentReads(readers, reads)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error running benchmark: %v\n", err)
			os.Exit(1)
		}

		stats.PrintStats()
		if stats.Errors > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	benchCmd.Flags().Int("entries", 10000, "Number of entries to seed")
	benchCmd.Flags().Int("readers", 50, "Number of concurrent readers")
	benchCmd.Flags().Int("reads", 100, "Reads per reader")
	rootCmd.AddCommand(benchCmd)
}
