package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
	"github.com/andresdvelez/ganadero-sub001/internal/transport"
)

// ErrSyncInProgress is returned by Sync when another sync is already
// in flight. The trigger is dropped, not queued.
var ErrSyncInProgress = errors.New("sync already in progress")

// ConfigurationError reports a queue entry whose entity type the engine does
// not know. This indicates a recorder/engine mismatch and aborts the pass;
// it is never retried.
type ConfigurationError struct {
	EntityType record.EntityType
	EntryID    int64
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("queue entry %d has unknown entity type %q", e.EntryID, e.EntityType)
}

// Result summarizes one sync run.
type Result struct {
	// Drain phase counts.
	Synced    int
	Failed    int
	Conflicts int
	Skipped   int // entries waiting out their backoff window

	// Pull phase counts.
	Pulled     int
	Tombstoned int
	PullErr    error // recorded, not fatal; the next pull retries

	// GC count.
	Collected int64

	StartedAt  time.Time
	FinishedAt time.Time
}

// Notifier receives sync lifecycle events. Implementations must not block;
// the engine calls them inline from the drain loop.
type Notifier interface {
	EntrySynced(entry *record.QueueEntry)
	EntryFailed(entry *record.QueueEntry, err error)
	EntryConflict(entry *record.QueueEntry, err error)
	SyncComplete(result *Result)
}

// nopNotifier is used when no notifier is configured.
type nopNotifier struct{}

func (nopNotifier) EntrySynced(*record.QueueEntry)          {}
func (nopNotifier) EntryFailed(*record.QueueEntry, error)   {}
func (nopNotifier) EntryConflict(*record.QueueEntry, error) {}
func (nopNotifier) SyncComplete(*Result)                    {}

// Config holds engine tuning.
type Config struct {
	// BackoffMin and BackoffMax bound the per-entry exponential backoff
	// between failed attempts. Defaults: 1s and 60s.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Retention is how long acknowledged entries are kept before garbage
	// collection. Default: 7 days.
	Retention time.Duration

	// Logger for engine activity. If nil, a default stderr logger is used.
	Logger *log.Logger

	// Notifier for lifecycle events. If nil, events are dropped.
	Notifier Notifier
}

// Engine orchestrates the drain and pull phases against one local store and
// one remote transport.
type Engine struct {
	store     *store.Store
	transport transport.Transport
	cfg       Config
	logger    *log.Logger
	notifier  Notifier

	inFlight atomic.Bool

	// now is swappable for tests.
	now func() time.Time
}

// New creates an Engine.
//
// The store must be opened and have its schema initialized before passing
// to this function.
func New(st *store.Store, tr transport.Transport, cfg Config) *Engine {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Engine{
		store:     st,
		transport: tr,
		cfg:       cfg,
		logger:    logger,
		notifier:  notifier,
		now:       time.Now,
	}
}

// InFlight reports whether a sync is currently running.
func (e *Engine) InFlight() bool {
	return e.inFlight.Load()
}

// Sync runs one drain pass, one pull, and retention GC. Concurrent calls are
// rejected with ErrSyncInProgress. A storage failure aborts the run; a pull
// failure is recorded in the result and left for the next scheduled sync.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	result := &Result{StartedAt: e.now()}

	if err := e.drain(ctx, result); err != nil {
		result.FinishedAt = e.now()
		return result, err
	}

	if err := e.pull(ctx, result); err != nil {
		// Cursor untouched; the next pull covers the same window.
		e.logger.Printf("Pull failed (will retry next sync): %v", err)
		result.PullErr = err
	}

	cutoff := e.now().Add(-e.cfg.Retention)
	collected, err := e.store.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		// GC is not correctness-critical.
		e.logger.Printf("Warning: retention GC failed: %v", err)
	}
	result.Collected = collected

	result.FinishedAt = e.now()
	e.logger.Printf("Sync complete: synced=%d failed=%d conflicts=%d pulled=%d tombstoned=%d in %v",
		result.Synced, result.Failed, result.Conflicts, result.Pulled, result.Tombstoned,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))

	e.notifier.SyncComplete(result)
	return result, nil
}

// staleClaimAge is how long a Syncing claim may sit unmarked before a drain
// pass takes it back. Generous against slow remote calls from a live pass;
// a claim this old means the claiming process died mid-dispatch.
const staleClaimAge = 5 * time.Minute

// drain sends outstanding queue entries to the remote authority,
// sequentially and in creation order.
func (e *Engine) drain(ctx context.Context, result *Result) error {
	reclaimed, err := e.store.RequeueStaleSyncing(ctx, e.now().Add(-staleClaimAge))
	if err != nil {
		return fmt.Errorf("failed to requeue stale entries: %w", err)
	}
	if reclaimed > 0 {
		e.logger.Printf("Requeued %d entry(ies) from an interrupted pass", reclaimed)
	}

	entries, err := e.store.PendingEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending entries: %w", err)
	}

	// Once an entry for an external id is held back or fails, every later
	// entry for that id waits too. Dispatching an Update whose Create has
	// not been accepted yet would reorder the entity's history remotely.
	blocked := make(map[string]bool)

	for _, entry := range entries {
		if blocked[entry.ExternalID] {
			result.Skipped++
			continue
		}

		if !knownEntityType(entry.EntityType) || entry.Op.Validate() != nil {
			// Recorder and engine disagree about the entity universe.
			// Caught before the claim so the entry stays drainable.
			return &ConfigurationError{EntityType: entry.EntityType, EntryID: entry.ID}
		}

		if !e.attemptDue(entry) {
			result.Skipped++
			blocked[entry.ExternalID] = true
			continue
		}

		claimed, err := e.store.ClaimEntry(ctx, entry.ID, e.now())
		if err != nil {
			return fmt.Errorf("failed to claim entry %d: %w", entry.ID, err)
		}
		if !claimed {
			blocked[entry.ExternalID] = true
			continue
		}

		ack, dispatchErr := e.dispatch(ctx, entry)
		switch {
		case dispatchErr == nil:
			if err := e.store.MarkSynced(ctx, entry.ID, e.now()); err != nil {
				return err
			}
			version := entry.BaseVersion
			if ack != nil {
				version = ack.Version
			}
			if entry.Op != record.OpDelete {
				if err := e.store.AcknowledgeEntity(ctx, entry.ExternalID, version); err != nil {
					return err
				}
			}
			result.Synced++
			e.notifier.EntrySynced(entry)

		case transport.IsConflict(dispatchErr):
			ce, _ := transport.AsConflict(dispatchErr)
			if err := e.store.MarkConflict(ctx, entry.ID, ce.RemoteVersion, dispatchErr.Error()); err != nil {
				return err
			}
			result.Conflicts++
			blocked[entry.ExternalID] = true
			e.logger.Printf("Conflict on entry %d (%s/%s): %v",
				entry.ID, entry.EntityType, entry.ExternalID, dispatchErr)
			e.notifier.EntryConflict(entry, dispatchErr)

		default:
			if err := e.store.MarkFailed(ctx, entry.ID, dispatchErr.Error()); err != nil {
				return err
			}
			result.Failed++
			blocked[entry.ExternalID] = true
			e.logger.Printf("WARNING: entry %d (%s/%s) failed: %v",
				entry.ID, entry.EntityType, entry.ExternalID, dispatchErr)
			e.notifier.EntryFailed(entry, dispatchErr)
		}
	}

	return nil
}

// knownEntityType reports whether the engine can dispatch the given type.
// The switch is exhaustive over the known set.
func knownEntityType(t record.EntityType) bool {
	switch t {
	case record.EntityAnimal, record.EntityMilkRecord, record.EntityWeightRecord, record.EntityHealthEvent:
		return true
	}
	return false
}

// dispatch routes one entry to the remote operation for its mutation kind.
// The entity type was validated before the entry was claimed.
func (e *Engine) dispatch(ctx context.Context, entry *record.QueueEntry) (*transport.Ack, error) {
	switch entry.Op {
	case record.OpCreate, record.OpUpdate:
		return e.transport.Upsert(ctx, entry.EntityType, entry.ExternalID, entry.Payload, entry.BaseVersion)
	case record.OpDelete:
		return e.transport.Delete(ctx, entry.EntityType, entry.ExternalID, entry.BaseVersion)
	default:
		return nil, &ConfigurationError{EntityType: entry.EntityType, EntryID: entry.ID}
	}
}

// attemptDue reports whether a previously failed entry has waited out its
// backoff window. Fresh (Pending) entries are always due.
func (e *Engine) attemptDue(entry *record.QueueEntry) bool {
	if entry.Status != record.StatusFailed || entry.RetryCount == 0 || entry.LastAttemptAt == nil {
		return true
	}
	return e.now().After(entry.LastAttemptAt.Add(e.backoffFor(entry.RetryCount)))
}

// backoffFor computes the exponential backoff delay after retries failures,
// bounded by BackoffMin and BackoffMax.
func (e *Engine) backoffFor(retries int) time.Duration {
	d := e.cfg.BackoffMin
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

// pull fetches remote deltas since the stored cursor and applies them.
func (e *Engine) pull(ctx context.Context, result *Result) error {
	state, err := e.store.GetSyncState(ctx)
	if err != nil {
		return err
	}

	resp, err := e.transport.Pull(ctx, state.LastPullCursor)
	if err != nil {
		return fmt.Errorf("pull request failed: %w", err)
	}

	changes := make([]*record.Snapshot, 0, len(resp.Changes))
	for _, c := range resp.Changes {
		changes = append(changes, &record.Snapshot{
			ExternalID:    c.ExternalID,
			EntityType:    c.EntityType,
			Payload:       c.Payload,
			RemoteVersion: c.Version,
			Synced:        true,
		})
	}

	applied, err := e.store.ApplyPull(ctx, changes, resp.Tombstones, resp.Cursor, e.now())
	if err != nil {
		return fmt.Errorf("failed to apply pull: %w", err)
	}

	result.Pulled = applied.Applied
	result.Tombstoned = applied.Tombstoned
	if applied.Skipped > 0 {
		e.logger.Printf("Pull: %d change(s) held back behind pending local mutations", applied.Skipped)
	}
	return nil
}
