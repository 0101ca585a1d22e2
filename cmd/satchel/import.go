package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/satchel/internal/migrate"
	"github.com/offlinefirst/satchel/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <backlog.jsonl>",
	GroupID: "advanced",
	Short:   "Convert a JSONL operation backlog into spool files",
	Long: `Convert a legacy JSONL backlog into spool files.

Each line of the input must be a JSON object with a "type" field and an
optional "payload", "dedupe_key", and "max_retries". The resulting spool
files are numbered so the daemon replays them in backlog order.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		cfg := loadConfig()

		result, err := migrate.Migrate(context.Background(), migrate.Options{
			FromJSONL: args[0],
			ToSpool:   cfg.SpoolDir,
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing backlog: %v\n", err)
			os.Exit(1)
		}

		if dryRun {
			fmt.Printf("%s Dry run: %d operation(s) would be spooled\n", ui.RenderAccent("🔍"), result.OpsConverted)
			return
		}

		fmt.Printf("%s Imported %d operation(s)\n", ui.RenderPass("✓"), result.FilesWritten)
		fmt.Printf("   Spool: %s\n", cfg.SpoolDir)
		if result.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", result.BackupCreated)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Parse the backlog without writing spool files")
	importCmd.Flags().Bool("backup", false, "Back up the input file before importing")
	rootCmd.AddCommand(importCmd)
}
