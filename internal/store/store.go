// Package store provides the durable local task repository on embedded
// SQLite.
//
// The store owns the canonical task rows plus the three bookkeeping tables
// the sync core needs: the change journal, per-provider sync cursors, and
// conflict records. It runs in embedded mode with WAL for concurrent reads
// during writes.
//
// Layout:
//   - tasks: canonical task rows (tombstones included)
//   - task_links: canonical id <-> provider foreign id mapping
//   - journal: append-only pending mutations
//   - cursors: per-provider delta watermarks
//   - conflicts: divergent-edit audit records
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// StorageError marks a local I/O failure. Callers treat it as
// cycle-fatal: the journal is left untouched and the mutation is not
// considered durable.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "storage unavailable: " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a local storage I/O failure.
func IsUnavailable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, &StorageError{Err: err})
}

// DB wraps the SQLite connection with sync-core specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist, it is created; call InitSchema before first use.
// The caller must call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
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

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after a WAL checkpoint.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		due_at TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		flagged INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_links (
		task_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		delete_confirmed INTEGER NOT NULL DEFAULT 0,
		shadow TEXT,
		PRIMARY KEY (task_id, provider),
		UNIQUE (provider, remote_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		fields TEXT,
		local_version INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		terminal INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		provider TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		local_snapshot TEXT,
		remote_snapshot TEXT,
		remote_origin TEXT NOT NULL,
		fields TEXT,
		resolution TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted);
	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_at);

	CREATE INDEX IF NOT EXISTS idx_journal_task ON journal(task_id);
	CREATE INDEX IF NOT EXISTS idx_journal_dispatch
	    ON journal(terminal, next_attempt_at, task_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_links_remote ON task_links(provider, remote_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_task ON conflicts(task_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return storageErr("failed to initialize schema", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
