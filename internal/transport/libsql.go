package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

// Remote is a Transport backed by a shared libSQL (Turso) database. The
// authority keeps one row per entity in `records`, guarded by a version
// counter, and an append-only `change_log` whose sequence numbers serve as
// pull cursors.
type Remote struct {
	conn    *sql.DB
	timeout time.Duration
	logger  *log.Logger
}

// RemoteConfig configures the libSQL transport.
type RemoteConfig struct {
	// URL is the libSQL connection string, e.g.
	// "libsql://records-myorg.turso.io?authToken=..." or "file:remote.db"
	// for a self-hosted replica.
	URL string

	// Timeout bounds every remote call (default 15s).
	Timeout time.Duration

	// Logger for transport activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// OpenRemote connects to the remote authority database.
//
// The caller MUST call Close() when done.
func OpenRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	conn, err := sql.Open("libsql", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Remote{
		conn:    conn,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Close closes the remote connection.
func (r *Remote) Close() error {
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	return nil
}

// InitSchema creates the authority-side tables. Used for self-hosted remotes
// and tests; a managed authority normally provisions these itself.
func (r *Remote) InitSchema(ctx context.Context) error {
	// The libsql driver executes only the first statement of a multi-statement
	// Exec, so each DDL statement is issued separately.
	schema := []string{`
	CREATE TABLE IF NOT EXISTS records (
		entity_type TEXT NOT NULL,
		external_id TEXT NOT NULL,
		payload BLOB,
		version INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, external_id)
	)`, `
	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		external_id TEXT NOT NULL,
		op TEXT NOT NULL,
		version INTEGER NOT NULL,
		changed_at TEXT NOT NULL
	)`, `
	CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_type, external_id)`,
	}
	for _, stmt := range schema {
		if _, err := r.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize remote schema: %w", err)
		}
	}
	return nil
}

// Upsert implements Transport.Upsert with a version compare-and-set.
func (r *Remote) Upsert(ctx context.Context, entityType record.EntityType, externalID string, payload []byte, baseVersion int64) (*Ack, error) {
	return r.apply(ctx, entityType, externalID, payload, baseVersion, false)
}

// Delete implements Transport.Delete. The entity row is kept with a deleted
// flag so later pulls can emit a tombstone.
func (r *Remote) Delete(ctx context.Context, entityType record.EntityType, externalID string, baseVersion int64) (*Ack, error) {
	return r.apply(ctx, entityType, externalID, nil, baseVersion, true)
}

// apply performs the versioned write shared by Upsert and Delete.
func (r *Remote) apply(ctx context.Context, entityType record.EntityType, externalID string, payload []byte, baseVersion int64, deleted bool) (*Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin remote transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	var isDeleted int
	err = tx.QueryRowContext(ctx, `
		SELECT version, deleted FROM records
		WHERE entity_type = ? AND external_id = ?`,
		string(entityType), externalID,
	).Scan(&current, &isDeleted)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	op := "upsert"
	if deleted {
		op = "delete"
	}

	var next int64
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if deleted {
			// Deleting an entity the authority never saw: acknowledge, there
			// is nothing to remove and nothing for other clients to learn.
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit remote delete: %w", err)
			}
			return &Ack{Version: baseVersion}, nil
		}
		if baseVersion != 0 {
			return nil, &ConflictError{
				EntityType:  entityType,
				ExternalID:  externalID,
				BaseVersion: baseVersion,
			}
		}
		next = 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (entity_type, external_id, payload, version, deleted, updated_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			string(entityType), externalID, payload, next, now,
		); err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}

	case err != nil:
		return nil, fmt.Errorf("failed to read record version: %w", err)

	default:
		if isDeleted == 1 && deleted {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit remote delete: %w", err)
			}
			return &Ack{Version: current}, nil
		}
		if current != baseVersion {
			return nil, &ConflictError{
				EntityType:    entityType,
				ExternalID:    externalID,
				BaseVersion:   baseVersion,
				RemoteVersion: current,
			}
		}
		next = current + 1
		del := 0
		if deleted {
			del = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET payload = ?, version = ?, deleted = ?, updated_at = ?
			WHERE entity_type = ? AND external_id = ?`,
			payload, next, del, now, string(entityType), externalID,
		); err != nil {
			return nil, fmt.Errorf("failed to update record: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (entity_type, external_id, op, version, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(entityType), externalID, op, next, now,
	); err != nil {
		return nil, fmt.Errorf("failed to append change log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit remote write: %w", err)
	}

	return &Ack{Version: next}, nil
}

// Pull implements Transport.Pull. Entities touched since the cursor are
// collapsed to their latest state: one Change for live entities, one
// Tombstone for deleted ones, so order within the batch is immaterial.
func (r *Remote) Pull(ctx context.Context, cursor string) (*PullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	since, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	// The head is read first and bounds the changes query. A write committed
	// by another client mid-pull lands above the head, stays outside this
	// batch, and is delivered by the next cursor window.
	var head sql.NullInt64
	if err := r.conn.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM change_log`).Scan(&head); err != nil {
		return nil, fmt.Errorf("failed to read change log head: %w", err)
	}

	resp := &PullResponse{Cursor: cursor}
	if !head.Valid || head.Int64 <= since {
		if resp.Cursor == "" {
			resp.Cursor = "0"
		}
		return resp, nil
	}
	resp.Cursor = strconv.FormatInt(head.Int64, 10)

	rows, err := r.conn.QueryContext(ctx, `
		SELECT r.entity_type, r.external_id, r.payload, r.version, r.deleted
		FROM records r
		JOIN (
			SELECT DISTINCT entity_type, external_id
			FROM change_log WHERE seq > ? AND seq <= ?
		) c ON c.entity_type = r.entity_type AND c.external_id = r.external_id`,
		since, head.Int64,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query remote changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entityType, externalID string
		var payload []byte
		var version int64
		var deleted int
		if err := rows.Scan(&entityType, &externalID, &payload, &version, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan remote change: %w", err)
		}

		if deleted == 1 {
			resp.Tombstones = append(resp.Tombstones, record.Tombstone{
				EntityType: record.EntityType(entityType),
				EntityID:   externalID,
			})
			continue
		}
		resp.Changes = append(resp.Changes, Change{
			EntityType: record.EntityType(entityType),
			ExternalID: externalID,
			Payload:    payload,
			Version:    version,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remote changes: %w", err)
	}

	return resp, nil
}

// Ping implements Transport.Ping.
func (r *Remote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("remote unreachable: %w", err)
	}
	return nil
}

// parseCursor decodes the opaque cursor. Empty means "from the beginning"
// (full resync).
func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed pull cursor %q: %w", cursor, err)
	}
	return seq, nil
}
