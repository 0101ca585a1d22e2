// Package migrate converts legacy JSONL operation backlogs into spool
// files the sync daemon can ingest.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SpoolEntry is the spool file format produced for each backlog line.
type SpoolEntry struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	DedupeKey  string          `json:"dedupe_key,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// Options contains configuration for the migration.
type Options struct {
	FromJSONL string // Input JSONL file path
	ToSpool   string // Output spool directory
	DryRun    bool   // Preview without writing
	Backup    bool   // Create backup of original
}

// Result contains statistics about the migration.
type Result struct {
	OpsConverted  int
	FilesWritten  int
	BackupCreated string
	Errors        []string
}

// FromJSONL reads a JSONL backlog and returns parsed spool entries.
// Each line is one JSON object with at least a "type" field.
func FromJSONL(jsonlPath string) ([]*SpoolEntry, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var entries []*SpoolEntry
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var entry SpoolEntry
		if err := decoder.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if entry.Type == "" {
			return nil, fmt.Errorf("missing type at line %d", lineNum)
		}

		entries = append(entries, &entry)
	}

	return entries, nil
}

// SpoolFileName generates the filename for the i-th backlog entry.
// The numeric prefix preserves backlog order through the daemon's
// lexicographic spool scan.
func SpoolFileName(i int, opType string) string {
	return fmt.Sprintf("%05d-%s.json", i, opType)
}

// WriteSpoolFile writes a single entry into the spool directory.
func WriteSpoolFile(entry *SpoolEntry, spoolDir string, seq int) error {
	path := filepath.Join(spoolDir, SpoolFileName(seq, entry.Type))

	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	// Write atomically via temp file so the daemon never sees a
	// half-written spool file.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Migrate performs the JSONL to spool-file migration.
func Migrate(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		if err := copyFile(opts.FromJSONL, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	entries, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, err
	}
	result.OpsConverted = len(entries)

	if opts.DryRun {
		return result, nil
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := WriteSpoolFile(entry, opts.ToSpool, i); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d (%s): %v", i, entry.Type, err))
			continue
		}
		result.FilesWritten++
	}

	return result, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
