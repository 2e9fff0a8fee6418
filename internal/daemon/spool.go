package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
)

// spoolDebounce is how long a spool file must sit unchanged before ingestion.
// Batches the write-then-rename the producer performs.
const spoolDebounce = 100 * time.Millisecond

// SpoolWatcher ingests mutation files dropped into the spool directory by the
// forms/UI process. Each *.json file is read, recorded into the queue (with
// its optimistic snapshot update), and removed. Files that fail to parse are
// renamed to *.rej and left for inspection.
type SpoolWatcher struct {
	store    *store.Store
	dir      string
	logger   *log.Logger
	onIngest func()

	watcher *fsnotify.Watcher

	pending   map[string]time.Time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSpoolWatcher creates a watcher over dir. onIngest is called after each
// successful batch so the daemon can trigger a sync; it may be nil.
func NewSpoolWatcher(st *store.Store, dir string, logger *log.Logger, onIngest func()) (*SpoolWatcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &SpoolWatcher{
		store:    st,
		dir:      dir,
		logger:   logger,
		onIngest: onIngest,
		watcher:  watcher,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start begins watching. Files already sitting in the spool are ingested
// first, so mutations recorded while the daemon was down are not lost.
func (w *SpoolWatcher) Start(parent context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	if err := w.ingestBacklog(parent); err != nil {
		return err
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	w.logger.Printf("Watching spool: %s", w.dir)

	w.ctx, w.cancel = context.WithCancel(parent)

	w.wg.Add(2)
	go w.watchEvents()
	go w.processPending()

	return nil
}

// Stop shuts the watcher down.
func (w *SpoolWatcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// ingestBacklog processes spool files present at startup.
func (w *SpoolWatcher) ingestBacklog(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	ingested := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if w.ingestFile(ctx, filepath.Join(w.dir, entry.Name())) {
			ingested++
		}
	}
	if ingested > 0 {
		w.logger.Printf("Ingested %d spooled mutation(s) from backlog", ingested)
		w.notify()
	}
	return nil
}

// watchEvents queues spool file events with debouncing.
func (w *SpoolWatcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending ingests files once their debounce window has passed.
func (w *SpoolWatcher) processPending() {
	defer w.wg.Done()

	ticker := time.NewTicker(spoolDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.pendingMu.Lock()
			now := time.Now()
			var due []string
			for path, queuedAt := range w.pending {
				if now.Sub(queuedAt) >= spoolDebounce {
					due = append(due, path)
					delete(w.pending, path)
				}
			}
			w.pendingMu.Unlock()

			ingested := 0
			for _, path := range due {
				if w.ingestFile(w.ctx, path) {
					ingested++
				}
			}
			if ingested > 0 {
				w.notify()
			}
		}
	}
}

// ingestFile records one spool file into the queue and removes it. Returns
// true on success. Failures are logged; a malformed file is set aside as
// *.rej so it cannot wedge the spool.
func (w *SpoolWatcher) ingestFile(ctx context.Context, path string) bool {
	// The file may already be gone (ingested by backlog, or removed).
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	m, err := record.ReadMutationFile(path)
	if err != nil {
		w.logger.Printf("WARNING: rejecting spool file %s: %v", filepath.Base(path), err)
		if renameErr := os.Rename(path, path+".rej"); renameErr != nil {
			w.logger.Printf("Failed to set aside %s: %v", filepath.Base(path), renameErr)
		}
		return false
	}

	if _, err := w.store.RecordMutation(ctx, m.Op, m.EntityType, m.ExternalID, m.Payload); err != nil {
		// Storage failure: leave the file in place for the next attempt.
		w.logger.Printf("Error recording spooled mutation %s: %v", filepath.Base(path), err)
		return false
	}

	if err := os.Remove(path); err != nil {
		w.logger.Printf("Warning: failed to remove ingested spool file %s: %v", filepath.Base(path), err)
	}

	w.logger.Printf("Recorded spooled mutation: %s %s/%s", m.Op, m.EntityType, m.ExternalID)
	return true
}

func (w *SpoolWatcher) notify() {
	if w.onIngest != nil {
		w.onIngest()
	}
}
