package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

// ErrSnapshotNotFound is returned when an entity has no local snapshot.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// sealPayload encrypts a snapshot payload when a cipher is installed.
func (s *Store) sealPayload(payload []byte) ([]byte, error) {
	if s.cipher == nil {
		return payload, nil
	}
	sealed, err := s.cipher.Seal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal snapshot payload: %w", err)
	}
	return sealed, nil
}

// openPayload decrypts a snapshot payload when a cipher is installed.
func (s *Store) openPayload(stored []byte) ([]byte, error) {
	if s.cipher == nil {
		return stored, nil
	}
	payload, err := s.cipher.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot payload: %w", err)
	}
	return payload, nil
}

// GetSnapshot retrieves the cached view of one entity by external id.
func (s *Store) GetSnapshot(ctx context.Context, externalID string) (*record.Snapshot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT external_id, entity_type, payload, remote_version, synced, updated_at
		FROM snapshots WHERE external_id = ?`, externalID)

	snap, err := s.scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", externalID, err)
	}
	return snap, nil
}

// ListSnapshots retrieves snapshots, optionally filtered by entity type,
// ordered by most recently updated first.
func (s *Store) ListSnapshots(ctx context.Context, entityType record.EntityType) ([]*record.Snapshot, error) {
	query := `
		SELECT external_id, entity_type, payload, remote_version, synced, updated_at
		FROM snapshots`
	var args []interface{}
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, string(entityType))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*record.Snapshot
	for rows.Next() {
		snap, err := s.scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes a local snapshot. Absence is not an error; tombstone
// application is best-effort.
func (s *Store) DeleteSnapshot(ctx context.Context, externalID string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM snapshots WHERE external_id = ?`, externalID); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", externalID, err)
	}
	return nil
}

// AcknowledgeEntity records remote acknowledgment for an entity: the
// snapshot's remote version is advanced and, when no unacknowledged entries
// remain, the snapshot is marked clean.
func (s *Store) AcknowledgeEntity(ctx context.Context, externalID string, version int64) error {
	unsynced, err := s.HasUnsynced(ctx, externalID)
	if err != nil {
		return err
	}

	synced := 0
	if !unsynced {
		synced = 1
	}
	if _, err := s.conn.ExecContext(ctx, `
		UPDATE snapshots SET remote_version = ?, synced = ?
		WHERE external_id = ?`,
		version, synced, externalID,
	); err != nil {
		return fmt.Errorf("failed to acknowledge entity %s: %w", externalID, err)
	}
	return nil
}

// PullResult summarizes one ApplyPull invocation.
type PullResult struct {
	// Applied is the number of remote changes written to the snapshot table.
	Applied int
	// Tombstoned is the number of local snapshots removed.
	Tombstoned int
	// Skipped counts changes and tombstones suppressed because the entity
	// still has unacknowledged local mutations.
	Skipped int
}

// ApplyPull applies a batch of remote changes and tombstones and advances the
// pull cursor, all in a single transaction. Applying the changes and
// persisting the cursor are one logical unit: if either fails, neither lands,
// so a later pull re-fetches the same window instead of missing data.
//
// Entities with unacknowledged local mutations are skipped; their snapshots
// are refreshed by the pull that follows their drain.
func (s *Store) ApplyPull(ctx context.Context, changes []*record.Snapshot, tombstones []record.Tombstone, cursor string, at time.Time) (*PullResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &PullResult{}

	for _, change := range changes {
		dirty, err := hasUnsyncedTx(ctx, tx, change.ExternalID)
		if err != nil {
			return nil, err
		}
		if dirty {
			result.Skipped++
			continue
		}

		stored, err := s.sealPayload(change.Payload)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (external_id, entity_type, payload, remote_version, synced, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				entity_type = excluded.entity_type,
				payload = excluded.payload,
				remote_version = excluded.remote_version,
				synced = 1,
				updated_at = excluded.updated_at`,
			change.ExternalID,
			string(change.EntityType),
			stored,
			change.RemoteVersion,
			at.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("failed to apply remote change for %s: %w", change.ExternalID, err)
		}
		result.Applied++
	}

	for _, ts := range tombstones {
		dirty, err := hasUnsyncedTx(ctx, tx, ts.EntityID)
		if err != nil {
			return nil, err
		}
		if dirty {
			result.Skipped++
			continue
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM snapshots WHERE external_id = ? AND entity_type = ?`,
			ts.EntityID, string(ts.EntityType))
		if err != nil {
			return nil, fmt.Errorf("failed to apply tombstone for %s: %w", ts.EntityID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			result.Tombstoned++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_state SET last_pull_cursor = ?, last_synced_at = ? WHERE id = 1`,
		cursor, at.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("failed to advance pull cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pull: %w", err)
	}

	return result, nil
}

// hasUnsyncedTx is HasUnsynced inside an open transaction.
func hasUnsyncedTx(ctx context.Context, tx *sql.Tx, externalID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE external_id = ? AND status != ?`,
		externalID, string(record.StatusSynced),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check unsynced entries for %s: %w", externalID, err)
	}
	return count > 0, nil
}

// scanSnapshot scans one snapshot row via the given Scan function.
func (s *Store) scanSnapshot(scan func(dest ...interface{}) error) (*record.Snapshot, error) {
	var snap record.Snapshot
	var entityType string
	var stored []byte
	var synced int
	var updatedAt string

	if err := scan(&snap.ExternalID, &entityType, &stored, &snap.RemoteVersion, &synced, &updatedAt); err != nil {
		return nil, err
	}

	payload, err := s.openPayload(stored)
	if err != nil {
		return nil, err
	}

	snap.EntityType = record.EntityType(entityType)
	snap.Payload = payload
	snap.Synced = synced == 1
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		snap.UpdatedAt = t
	}
	return &snap, nil
}
