package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

// ErrEntryNotFound is returned when a queue entry id doesn't exist.
var ErrEntryNotFound = errors.New("queue entry not found")

const queueColumns = `id, external_id, entity_type, op, payload, base_version,
	conflict_version, status, retry_count, error_message,
	created_at, synced_at, last_attempt_at`

// RecordMutation appends a queue entry and applies the optimistic snapshot
// update in a single transaction. The two writes succeed or fail together;
// a caller must never end up believing a mutation was recorded when only one
// half landed.
//
// The entry's base version is taken from the current snapshot, so the remote
// authority can detect stale writes. Delete mutations remove the snapshot
// optimistically.
func (s *Store) RecordMutation(ctx context.Context, op record.Op, entityType record.EntityType, externalID string, payload []byte) (*record.QueueEntry, error) {
	entry := &record.QueueEntry{
		ExternalID: externalID,
		EntityType: entityType,
		Op:         op,
		Payload:    payload,
		Status:     record.StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}
	if op != record.OpDelete {
		if err := record.ValidPayload(payload); err != nil {
			return nil, fmt.Errorf("invalid mutation: %w", err)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Base version comes from the last acknowledged remote version.
	var baseVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT remote_version FROM snapshots WHERE external_id = ?`, externalID,
	).Scan(&baseVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read snapshot version: %w", err)
	}
	entry.BaseVersion = baseVersion

	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_entries (external_id, entity_type, op, payload,
			base_version, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		entry.ExternalID,
		string(entry.EntityType),
		string(entry.Op),
		entry.Payload,
		entry.BaseVersion,
		string(entry.Status),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry id: %w", err)
	}

	// Optimistic snapshot update in the same transaction.
	switch op {
	case record.OpDelete:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE external_id = ?`, externalID); err != nil {
			return nil, fmt.Errorf("failed to remove snapshot: %w", err)
		}
	default:
		stored, err := s.sealPayload(payload)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (external_id, entity_type, payload, remote_version, synced, updated_at)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				payload = excluded.payload,
				synced = 0,
				updated_at = excluded.updated_at`,
			externalID,
			string(entityType),
			stored,
			baseVersion,
			entry.CreatedAt.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("failed to apply optimistic snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mutation: %w", err)
	}

	return entry, nil
}

// PendingEntries returns all entries eligible for a drain pass
// (Pending or Failed) ordered by id ascending. Creation order per external
// id is what keeps an Update from being sent before its Create.
func (s *Store) PendingEntries(ctx context.Context) ([]*record.QueueEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries
		WHERE status IN (?, ?)
		ORDER BY id ASC`,
		string(record.StatusPending), string(record.StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ClaimEntry transitions an entry to Syncing with a compare-and-set on the
// status column. Returns false when another pass already claimed it or its
// status changed since selection.
func (s *Store) ClaimEntry(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, last_attempt_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(record.StatusSyncing),
		at.Format(time.RFC3339Nano),
		id,
		string(record.StatusPending), string(record.StatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// RequeueStaleSyncing returns entries stuck in Syncing to Pending. An entry
// is stranded there when the process dies between claim and mark; only claims
// older than the cutoff are touched so a live pass keeps its locks.
func (s *Store) RequeueStaleSyncing(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		string(record.StatusPending),
		string(record.StatusSyncing),
		before.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale syncing entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read requeue result: %w", err)
	}
	return n, nil
}

// MarkSynced records remote acknowledgment of an entry.
func (s *Store) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, synced_at = ?, error_message = NULL
		WHERE id = ?`,
		string(record.StatusSynced), at.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d synced: %w", id, err)
	}
	return nil
}

// MarkFailed records a transport failure: status Failed, retry count
// incremented, last error kept for surfacing.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, retry_count = retry_count + 1, error_message = ?
		WHERE id = ?`,
		string(record.StatusFailed), message, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d failed: %w", id, err)
	}
	return nil
}

// MarkConflict records a remote version conflict. The retry count is NOT
// incremented: conflicts are not retried automatically, they wait for
// explicit resolution. The remote version is kept so a local-wins resolution
// can retry against it.
func (s *Store) MarkConflict(ctx context.Context, id int64, remoteVersion int64, message string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, conflict_version = ?, error_message = ?
		WHERE id = ?`,
		string(record.StatusConflict), remoteVersion, message, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d conflicted: %w", id, err)
	}
	return nil
}

// Requeue returns a Conflict entry to Pending with a clean retry count,
// asserting local wins. When payload is non-nil it replaces the entry's
// payload (a merged value), and the optimistic snapshot is refreshed to
// match. The base version is advanced to the conflicting remote version so
// the retry targets the version that rejected us.
func (s *Store) Requeue(ctx context.Context, id int64, payload []byte) error {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	newPayload := entry.Payload
	if payload != nil {
		if err := record.ValidPayload(payload); err != nil {
			return fmt.Errorf("invalid merged payload: %w", err)
		}
		newPayload = payload
	}

	baseVersion := entry.BaseVersion
	if entry.ConflictVersion > 0 {
		baseVersion = entry.ConflictVersion
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, retry_count = 0, error_message = NULL,
			payload = ?, base_version = ?
		WHERE id = ?`,
		string(record.StatusPending), newPayload, baseVersion, id,
	); err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", id, err)
	}

	if payload != nil && entry.Op != record.OpDelete {
		stored, err := s.sealPayload(newPayload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE snapshots SET payload = ?, synced = 0, updated_at = ?
			WHERE external_id = ?`,
			stored, time.Now().Format(time.RFC3339Nano), entry.ExternalID,
		); err != nil {
			return fmt.Errorf("failed to refresh snapshot for %s: %w", entry.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue: %w", err)
	}
	return nil
}

// GetEntry retrieves a single queue entry by id.
func (s *Store) GetEntry(ctx context.Context, id int64) (*record.QueueEntry, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries WHERE id = ?`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %d: %w", id, err)
	}
	return entry, nil
}

// ListEntriesFilter configures the ListEntries query.
type ListEntriesFilter struct {
	// Status filters by lifecycle status (empty = all).
	Status record.Status
	// EntityType filters by entity type (empty = all).
	EntityType record.EntityType
	// Since filters to entries created at or after this time (zero = all).
	Since time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListEntries retrieves queue entries matching the filter, ordered by id.
func (s *Store) ListEntries(ctx context.Context, filter ListEntriesFilter) ([]*record.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries`
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Conflicts returns all entries awaiting conflict resolution, oldest first.
func (s *Store) Conflicts(ctx context.Context) ([]*record.QueueEntry, error) {
	return s.ListEntries(ctx, ListEntriesFilter{Status: record.StatusConflict})
}

// PendingCount returns the number of entries not yet acknowledged
// (Pending, Failed, or currently Syncing).
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE status IN (?, ?, ?)`,
		string(record.StatusPending), string(record.StatusFailed), string(record.StatusSyncing),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return count, nil
}

// HasUnsynced reports whether an entity still has unacknowledged local
// mutations (any entry not Synced). Pull application is suppressed for such
// entities so a pending optimistic write is not clobbered.
func (s *Store) HasUnsynced(ctx context.Context, externalID string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE external_id = ? AND status != ?`,
		externalID, string(record.StatusSynced),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check unsynced entries for %s: %w", externalID, err)
	}
	return count > 0, nil
}

// DeleteSyncedBefore garbage-collects acknowledged entries older than the
// cutoff. Returns the number of entries removed.
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?`,
		string(record.StatusSynced), cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n, nil
}

// scanEntry scans a single queue entry from a row.
func scanEntry(row *sql.Row) (*record.QueueEntry, error) {
	var e record.QueueEntry
	var entityType, op, status string
	var payload []byte
	var errMsg sql.NullString
	var createdAt string
	var syncedAt, lastAttemptAt sql.NullString

	err := row.Scan(
		&e.ID, &e.ExternalID, &entityType, &op, &payload,
		&e.BaseVersion, &e.ConflictVersion, &status, &e.RetryCount, &errMsg,
		&createdAt, &syncedAt, &lastAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	fillEntry(&e, entityType, op, payload, status, errMsg, createdAt, syncedAt, lastAttemptAt)
	return &e, nil
}

// scanEntries scans queue entries from query results.
func scanEntries(rows *sql.Rows) ([]*record.QueueEntry, error) {
	var entries []*record.QueueEntry

	for rows.Next() {
		var e record.QueueEntry
		var entityType, op, status string
		var payload []byte
		var errMsg sql.NullString
		var createdAt string
		var syncedAt, lastAttemptAt sql.NullString

		err := rows.Scan(
			&e.ID, &e.ExternalID, &entityType, &op, &payload,
			&e.BaseVersion, &e.ConflictVersion, &status, &e.RetryCount, &errMsg,
			&createdAt, &syncedAt, &lastAttemptAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		fillEntry(&e, entityType, op, payload, status, errMsg, createdAt, syncedAt, lastAttemptAt)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

func fillEntry(e *record.QueueEntry, entityType, op string, payload []byte, status string, errMsg sql.NullString, createdAt string, syncedAt, lastAttemptAt sql.NullString) {
	e.EntityType = record.EntityType(entityType)
	e.Op = record.Op(op)
	e.Payload = payload
	e.Status = record.Status(status)
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	e.SyncedAt = nullStringToTime(syncedAt)
	e.LastAttemptAt = nullStringToTime(lastAttemptAt)
}
