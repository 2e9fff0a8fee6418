// Package sync implements the bidirectional sync engine: draining the local
// mutation queue to the remote authority and pulling remote deltas into the
// snapshot cache.
//
// # Drain phase
//
// Entries with status Pending or Failed are selected in creation order and
// sent sequentially, one network round-trip each. Creation order is what
// guarantees an Update for an entity is never sent before its Create. Each
// entry is claimed with a compare-and-set status update before dispatch, so
// even a second engine instance pointed at the same store cannot process an
// entry twice.
//
// Per-entry outcomes:
//
//   - acknowledgment: Synced, terminal; the snapshot's remote version is
//     advanced and the snapshot is marked clean when nothing else is pending.
//   - version conflict: Conflict, terminal until resolved; the retry count is
//     untouched because conflicts are never retried automatically.
//   - anything else (network, server, timeout): Failed with the retry count
//     incremented; the entry rejoins the next pass after its backoff window.
//
// One bad entry never aborts the pass. Only a local storage failure does.
//
// # Pull phase
//
// A single round-trip fetches changes and tombstones since the stored cursor.
// The store applies them and advances the cursor in one transaction; on any
// pull error the cursor is left untouched and the next scheduled pull simply
// retries. Pulls are idempotent and self-healing, so a single miss is not
// surfaced to the user.
//
// # Mutual exclusion
//
// Sync holds an atomic in-flight flag. A trigger that arrives while a sync is
// running gets ErrSyncInProgress immediately; triggers are dropped, never
// queued, so there is never a second set of in-flight calls against the same
// queue entries.
package sync
