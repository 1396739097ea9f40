// Package db is the embedded SQLite store behind the sync engine.
//
// One database file per device holds everything that must survive a restart:
//
//   - pending_ops: the local durable queue, ordered by insertion sequence
//   - conflicts:   every conflict ever detected, with its resolution
//   - devices:     the last known presence of this device and its peers
//   - records:     the local reconciled view of each record and its base op
//   - applied_ops: remote operation IDs already applied, for duplicate delivery
//
// The database runs in WAL mode so the dashboard and CLI can read while the
// daemon writes. Timestamps are stored as INTEGER unix nanoseconds.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at path, creating the parent
// directory and the file if needed.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(home, "hearth.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
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

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		family_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		origin_device_id TEXT NOT NULL,
		conflict_id TEXT,
		ts INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		dead INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		status TEXT NOT NULL,
		body TEXT NOT NULL,  -- JSON encoded schema.Conflict
		detected_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		platform TEXT,
		app_version TEXT,
		last_seen INTEGER NOT NULL,
		capabilities TEXT,  -- JSON array
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		family_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		data TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		base_op_id TEXT,
		base_data TEXT,
		base_deleted INTEGER NOT NULL DEFAULT 0,
		updated_by TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (family_id, collection, record_id)
	);

	CREATE TABLE IF NOT EXISTS applied_ops (
		op_id TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_family ON pending_ops(family_id, collection);
	CREATE INDEX IF NOT EXISTS idx_pending_record ON pending_ops(collection, record_id, ts);
	CREATE INDEX IF NOT EXISTS idx_pending_dead ON pending_ops(dead);
	CREATE INDEX IF NOT EXISTS idx_conflicts_family_status ON conflicts(family_id, status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts(collection, record_id);
	CREATE INDEX IF NOT EXISTS idx_devices_family ON devices(family_id);
	CREATE INDEX IF NOT EXISTS idx_applied_at ON applied_ops(applied_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// toNanos converts t to unix nanoseconds, mapping the zero time to 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromNanos is the inverse of toNanos. Results are in UTC.
func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
