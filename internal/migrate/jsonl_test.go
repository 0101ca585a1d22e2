package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeBacklog(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "backlog.jsonl")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("Failed to write backlog: %v", err)
	}
	return path
}

func TestFromJSONL(t *testing.T) {
	path := writeBacklog(t, `{"type":"createTask","payload":{"title":"Buy milk"},"dedupe_key":"task_1"}
{"type":"updateTask","payload":{"id":"t1"},"max_retries":3}
`)

	entries, err := FromJSONL(path)
	if err != nil {
		t.Fatalf("FromJSONL failed: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "createTask" || entries[0].DedupeKey != "task_1" {
		t.Errorf("Unexpected first entry: %+v", entries[0])
	}
	if entries[1].MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", entries[1].MaxRetries)
	}
}

func TestFromJSONLRejectsMissingType(t *testing.T) {
	path := writeBacklog(t, `{"payload":{"title":"no type"}}
`)

	if _, err := FromJSONL(path); err == nil {
		t.Fatal("Expected error for entry without type")
	}
}

func TestMigrateWritesOrderedSpoolFiles(t *testing.T) {
	path := writeBacklog(t, `{"type":"createTask","payload":{"title":"first"}}
{"type":"updateTask","payload":{"id":"t1"}}
`)
	spoolDir := filepath.Join(t.TempDir(), "spool")

	result, err := Migrate(context.Background(), Options{
		FromJSONL: path,
		ToSpool:   spoolDir,
	})
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if result.OpsConverted != 2 || result.FilesWritten != 2 {
		t.Errorf("Result = %+v, want 2 converted and written", result)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Unexpected errors: %v", result.Errors)
	}

	for i, typ := range []string{"createTask", "updateTask"} {
		name := SpoolFileName(i, typ)
		if _, err := os.Stat(filepath.Join(spoolDir, name)); err != nil {
			t.Errorf("Expected spool file %s: %v", name, err)
		}
	}
}

func TestMigrateDryRun(t *testing.T) {
	path := writeBacklog(t, `{"type":"createTask","payload":{}}
`)
	spoolDir := filepath.Join(t.TempDir(), "spool")

	result, err := Migrate(context.Background(), Options{
		FromJSONL: path,
		ToSpool:   spoolDir,
		DryRun:    true,
	})
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if result.OpsConverted != 1 {
		t.Errorf("OpsConverted = %d, want 1", result.OpsConverted)
	}
	if result.FilesWritten != 0 {
		t.Errorf("FilesWritten = %d, want 0 in dry run", result.FilesWritten)
	}
	if _, err := os.Stat(spoolDir); !os.IsNotExist(err) {
		t.Error("Dry run should not create the spool directory")
	}
}

func TestMigrateBackup(t *testing.T) {
	path := writeBacklog(t, `{"type":"createTask","payload":{}}
`)
	spoolDir := filepath.Join(t.TempDir(), "spool")

	result, err := Migrate(context.Background(), Options{
		FromJSONL: path,
		ToSpool:   spoolDir,
		Backup:    true,
	})
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if result.BackupCreated == "" {
		t.Fatal("Expected a backup path")
	}
	if _, err := os.Stat(result.BackupCreated); err != nil {
		t.Errorf("Backup file missing: %v", err)
	}
}
