// Package db provides the local entity store for school records.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// shared by the desktop application, the LAN realtime service and the sync
// orchestrator. Every syncable table carries sync metadata (server_id,
// is_dirty, revision, timestamps) maintained by triggers, so no write path
// can change a row without the change becoming visible to the next sync.
//
// Architecture:
//   - Database file: <data dir>/ecole.db
//   - WAL mode: concurrent readers during writes
//   - Writers take the lock at BEGIN (immediate transactions) and wait up
//     to busy_timeout before failing with ErrBusy
//   - Schema: 8 syncable tables, settings, tombstones, sync history
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog/log"
)

// BusyTimeout bounds how long a writer waits for the store lock.
const BusyTimeout = 5 * time.Second

// DB wraps the SQLite connection pool with entity and sync operations.
type DB struct {
	conn *sql.DB
	x    *sqlx.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// Pragmas are passed in the DSN so every pooled connection gets them:
// WAL journaling, foreign keys, a bounded busy timeout and recursive
// triggers disabled (capture triggers rely on it). Transactions begin
// IMMEDIATE so concurrent writers queue on the lock instead of failing
// on a lock upgrade.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("data/ecole.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn: conn,
		x:    sqlx.NewDb(conn, "sqlite3"),
		path: path,
	}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "recursive_triggers(0)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Str("path", db.path).Msg("failed to checkpoint WAL")
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	db.x = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates tables, indexes, capture triggers and the
// default domains.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.conn.ExecContext(ctx, captureSQL()); err != nil {
		return fmt.Errorf("failed to create capture triggers: %w", err)
	}

	for i, name := range defaultDomains {
		_, err := db.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO domains (name, display_order) VALUES (?, ?)`, name, i+1)
		if err != nil {
			return fmt.Errorf("failed to seed domain %q: %w", name, err)
		}
	}

	return nil
}

// withTx runs fn inside one transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// readTx starts a read-only transaction. Read-only transactions begin
// DEFERRED and never take the write lock.
func (db *DB) readTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(fmt.Errorf("failed to begin read transaction: %w", err))
	}
	return tx, nil
}

// now returns the current time in the store's timestamp format.
func now() string {
	return FormatTime(time.Now())
}

// TimeFormat is the layout of every timestamp column: UTC with
// millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a store timestamp. Second-precision values written by
// older clients are accepted.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeFormat, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
