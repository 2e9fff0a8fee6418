// Package store provides the durable local state for the sync core: the
// mutation queue, the entity snapshot cache, and the singleton sync state row.
//
// The store is an embedded SQLite database opened in WAL mode so the mutation
// recorder (UI writes) and the sync engine can operate concurrently. Queue
// entries carry a lifecycle status and are claimed with a compare-and-set
// update, so two drain passes can never double-process the same entry even if
// the engine-level guard is bypassed.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/andresdvelez/ganadero-sub001/internal/identity"
)

// Store wraps the SQLite connection for the local queue and snapshot tables.
type Store struct {
	conn   *sql.DB
	path   string
	cipher *identity.Cipher
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
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

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode so UI writes don't block a drain in progress.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// SetCipher installs the at-rest cipher for snapshot payloads. Must be set
// before any snapshot reads/writes when encryption is in use; the queue
// payloads are not encrypted.
func (s *Store) SetCipher(c *identity.Cipher) {
	s.cipher = c
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
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

// InitSchema creates the queue, snapshot, and sync state tables if they don't
// exist. Idempotent.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		op TEXT NOT NULL,
		payload BLOB,
		base_version INTEGER NOT NULL DEFAULT 0,
		conflict_version INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TEXT NOT NULL,
		synced_at TEXT,
		last_attempt_at TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		external_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		remote_version INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Singleton row, created on first run.
	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_pull_cursor TEXT,
		last_synced_at TEXT,
		auto_sync_enabled INTEGER NOT NULL DEFAULT 1
	);
	INSERT OR IGNORE INTO sync_state (id) VALUES (1);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_entries(status);
	CREATE INDEX IF NOT EXISTS idx_queue_external ON queue_entries(external_id);
	CREATE INDEX IF NOT EXISTS idx_queue_drain ON queue_entries(status, id);
	CREATE INDEX IF NOT EXISTS idx_queue_synced_at ON queue_entries(status, synced_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_type ON snapshots(entity_type);
	CREATE INDEX IF NOT EXISTS idx_snapshots_synced ON snapshots(synced);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
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
