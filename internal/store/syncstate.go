package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncState is the process-wide singleton row tracking pull progress and the
// user's auto-sync preference. Created with defaults on first run.
type SyncState struct {
	// LastPullCursor is the opaque token from the remote authority marking
	// the last successfully applied pull. Empty means "full resync".
	LastPullCursor string

	// LastSyncedAt is the time of the last successful pull.
	LastSyncedAt *time.Time

	// AutoSyncEnabled is the user preference for scheduled syncing.
	AutoSyncEnabled bool
}

// GetSyncState reads the singleton sync state row.
func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	var cursor sql.NullString
	var syncedAt sql.NullString
	var auto int

	err := s.conn.QueryRowContext(ctx, `
		SELECT last_pull_cursor, last_synced_at, auto_sync_enabled
		FROM sync_state WHERE id = 1`,
	).Scan(&cursor, &syncedAt, &auto)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	state := &SyncState{AutoSyncEnabled: auto == 1}
	if cursor.Valid {
		state.LastPullCursor = cursor.String
	}
	state.LastSyncedAt = nullStringToTime(syncedAt)
	return state, nil
}

// SetAutoSync updates the auto-sync preference.
func (s *Store) SetAutoSync(ctx context.Context, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE sync_state SET auto_sync_enabled = ? WHERE id = 1`, v); err != nil {
		return fmt.Errorf("failed to set auto sync: %w", err)
	}
	return nil
}

// ResetCursor clears the pull cursor, forcing the next pull to request a full
// snapshot from the remote authority.
func (s *Store) ResetCursor(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE sync_state SET last_pull_cursor = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to reset pull cursor: %w", err)
	}
	return nil
}
