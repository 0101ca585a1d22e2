// Package store provides namespaced, durable key-value storage backed by an
// embedded SQLite database.
//
// Values are serialized to JSON and stored under (namespace, key) pairs.
// Namespaces keep independent subsystems (cache entries, queued operations)
// from colliding in the same database file without any cross-subsystem
// locking.
//
// The database runs in WAL mode for concurrent reads during writes. A single
// process is expected to own the database file; multi-process coordination is
// out of scope.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with namespaced key-value operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens a key-value database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created along with the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	kv, err := store.Open(".satchel/satchel.db")
//	if err != nil {
//	    return err
//	}
//	defer kv.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates the kv table if it doesn't exist. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv(namespace);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Set serializes value to JSON and writes it under (namespace, key).
// An existing value under the same pair is overwritten.
//
// Returns *SerializationError if the value cannot be marshaled (cycles,
// channels, funcs).
func (s *Store) Set(ctx context.Context, namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &SerializationError{Namespace: namespace, Key: key, Err: err}
	}

	query := `
	INSERT INTO kv (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		namespace, key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set %s:%s: %w", namespace, key, err)
	}

	return nil
}

// Get reads the value stored under (namespace, key) into dest.
//
// Returns (false, nil) if the key is absent; a missing key is a normal
// result, not an error. Returns *DeserializationError if a value is present
// but cannot be decoded into dest.
func (s *Store) Get(ctx context.Context, namespace, key string, dest any) (bool, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s:%s: %w", namespace, key, err)
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, &DeserializationError{Namespace: namespace, Key: key, Err: err}
	}

	return true, nil
}

// MultiSet writes multiple values under a namespace in a single transaction.
//
// Serialization is checked per key: keys whose values fail to marshal are
// reported in the returned map and the remaining keys are still written.
// The returned map is nil when every key succeeded.
func (s *Store) MultiSet(ctx context.Context, namespace string, values map[string]any) (map[string]error, error) {
	var failed map[string]error

	// Marshal everything up front so a bad value never aborts the batch.
	encoded := make(map[string]string, len(values))
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[key] = &SerializationError{Namespace: namespace, Key: key, Err: err}
			continue
		}
		encoded[key] = string(data)
	}

	if len(encoded) == 0 {
		return failed, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return failed, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO kv (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for key, data := range encoded {
		if _, err := tx.ExecContext(ctx, query, namespace, key, data, now); err != nil {
			return failed, fmt.Errorf("failed to set %s:%s: %w", namespace, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return failed, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return failed, nil
}

// MultiGet reads multiple keys from a namespace.
//
// The result maps each requested key to its raw JSON value. Absent keys are
// simply missing from the map. Keys present but undecodable are reported in
// the error map; other keys still succeed.
func (s *Store) MultiGet(ctx context.Context, namespace string, keys []string) (map[string]json.RawMessage, map[string]error, error) {
	results := make(map[string]json.RawMessage, len(keys))
	var failed map[string]error

	for _, key := range keys {
		var raw string
		err := s.conn.QueryRowContext(ctx,
			`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
			namespace, key).Scan(&raw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get %s:%s: %w", namespace, key, err)
		}

		if !json.Valid([]byte(raw)) {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[key] = &DeserializationError{Namespace: namespace, Key: key,
				Err: fmt.Errorf("stored value is not valid JSON")}
			continue
		}

		results[key] = json.RawMessage(raw)
	}

	return results, failed, nil
}

// Delete removes the value under (namespace, key).
// Returns nil if the key doesn't exist (idempotent).
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s:%s: %w", namespace, key, err)
	}
	return nil
}

// Clear removes all keys under a namespace and returns the count removed.
func (s *Store) Clear(ctx context.Context, namespace string) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("failed to clear namespace %s: %w", namespace, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared rows: %w", err)
	}

	return int(n), nil
}

// Keys returns all keys under a namespace, ordered by key.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM kv WHERE namespace = ? ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return keys, nil
}

// Count returns the number of keys under a namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE namespace = ?`, namespace).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count namespace %s: %w", namespace, err)
	}
	return count, nil
}
