package sync

import (
	"context"
	"fmt"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

// Resolution is the caller's decision for a conflicted queue entry.
type Resolution string

const (
	// ResolutionLocal re-queues the entry so the next drain retries it,
	// asserting the local (or merged) value wins.
	ResolutionLocal Resolution = "local"

	// ResolutionRemote accepts the authority's version; the entry is marked
	// Synced without resending and the next pull refreshes the snapshot.
	ResolutionRemote Resolution = "remote"
)

// ResolveConflict applies a resolution to a Conflict entry.
//
// For ResolutionLocal, mergedPayload optionally replaces the entry's payload
// (nil keeps the original); the entry returns to Pending with a clean retry
// count and its base version advanced to the version that rejected it. For
// ResolutionRemote, mergedPayload must be nil and no network call is made.
//
// The engine defines no merge policy: producing mergedPayload (last-writer-
// wins, field merge, manual edit) is the caller's business.
func (e *Engine) ResolveConflict(ctx context.Context, entryID int64, resolution Resolution, mergedPayload []byte) error {
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != record.StatusConflict {
		return fmt.Errorf("entry %d is %s, not %s", entryID, entry.Status, record.StatusConflict)
	}

	switch resolution {
	case ResolutionLocal:
		if err := e.store.Requeue(ctx, entryID, mergedPayload); err != nil {
			return err
		}
		e.logger.Printf("Conflict %d resolved: local wins (merged=%t)", entryID, mergedPayload != nil)
		return nil

	case ResolutionRemote:
		if mergedPayload != nil {
			return fmt.Errorf("merged payload only applies to %s resolution", ResolutionLocal)
		}
		if err := e.store.MarkSynced(ctx, entryID, e.now()); err != nil {
			return err
		}
		// Snapshot becomes clean once no other entries are pending; the next
		// pull then overwrites it with the authoritative value.
		if err := e.store.AcknowledgeEntity(ctx, entry.ExternalID, entry.ConflictVersion); err != nil {
			return err
		}
		e.logger.Printf("Conflict %d resolved: remote wins", entryID)
		return nil

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
}
