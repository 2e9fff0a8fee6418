// Package daemon provides the background scheduler for the sync engine.
//
// The daemon:
//  1. Runs a sync when connectivity transitions from offline to online
//  2. Runs a sync on a periodic timer while online (when auto-sync is on)
//  3. Runs a sync on explicit request via TriggerSync
//  4. Ingests mutation files dropped into the spool directory
//  5. Handles graceful shutdown
//
// Overlap protection lives in the engine's in-flight guard: a trigger that
// fires mid-sync is dropped, never queued.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	enginesync "github.com/andresdvelez/ganadero-sub001/internal/sync"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
)

// Prober reports whether the remote authority is reachable.
type Prober interface {
	Online(ctx context.Context) bool
}

// DialProber probes connectivity with a plain TCP dial.
type DialProber struct {
	// Addr is the host:port to dial.
	Addr string
	// Timeout bounds the dial (default 3s).
	Timeout time.Duration
}

// Online implements Prober.
func (p *DialProber) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a periodic sync runs while online.
	SyncInterval time.Duration

	// ProbeInterval is how often connectivity is checked.
	ProbeInterval time.Duration

	// SpoolDir is the directory watched for mutation files. Empty disables
	// spool ingestion.
	SpoolDir string

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  30 * time.Second,
		ProbeInterval: 10 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync runs and ingests spooled mutations.
type Daemon struct {
	engine *enginesync.Engine
	store  *store.Store
	prober Prober
	config *Config

	trigger chan struct{}
	spool   *SpoolWatcher

	mu     sync.Mutex
	online bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon.
//
// The prober decides what "online" means; pass a DialProber against the
// remote host for real deployments.
func New(engine *enginesync.Engine, st *store.Store, prober Prober, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		engine:  engine,
		store:   st,
		prober:  prober,
		config:  config,
		trigger: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.SpoolDir != "" {
		spool, err := NewSpoolWatcher(st, config.SpoolDir, config.Logger, d.TriggerSync)
		if err != nil {
			cancel()
			return nil, err
		}
		d.spool = spool
	}

	return d, nil
}

// Start begins scheduling. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if d.spool != nil {
		if err := d.spool.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start spool watcher: %w", err)
		}
	}

	d.wg.Add(1)
	go d.run()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")
	d.cancel()
	if d.spool != nil {
		if err := d.spool.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping spool watcher: %v", err)
		}
	}
	d.wg.Wait()
	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// TriggerSync requests an immediate sync. Non-blocking; if a trigger is
// already queued or a sync is running, the request coalesces into it.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Online reports the last observed connectivity state.
func (d *Daemon) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// run is the scheduling loop: probe ticks watch for the offline-to-online
// edge, sync ticks fire periodic runs, and trigger requests fire immediately.
func (d *Daemon) run() {
	defer d.wg.Done()

	probeTicker := time.NewTicker(d.config.ProbeInterval)
	defer probeTicker.Stop()

	syncTicker := time.NewTicker(d.config.SyncInterval)
	defer syncTicker.Stop()

	// Establish the initial state; coming up online counts as a transition.
	d.observe(d.prober.Online(d.ctx))

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-probeTicker.C:
			d.observe(d.prober.Online(d.ctx))

		case <-syncTicker.C:
			if !d.Online() {
				continue
			}
			state, err := d.store.GetSyncState(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error reading sync state: %v", err)
				continue
			}
			if !state.AutoSyncEnabled {
				continue
			}
			d.syncNow("periodic")

		case <-d.trigger:
			d.syncNow("trigger")
		}
	}
}

// observe records a connectivity probe and fires a sync on the
// offline-to-online edge.
func (d *Daemon) observe(online bool) {
	d.mu.Lock()
	was := d.online
	d.online = online
	d.mu.Unlock()

	if online && !was {
		d.config.Logger.Println("Connectivity restored, syncing")
		d.syncNow("online")
	} else if !online && was {
		d.config.Logger.Println("Connectivity lost")
	}
}

// syncNow runs one sync, logging the outcome. An already-running sync
// swallows the request.
func (d *Daemon) syncNow(reason string) {
	result, err := d.engine.Sync(d.ctx)
	if err != nil {
		if errors.Is(err, enginesync.ErrSyncInProgress) {
			d.config.Logger.Printf("Sync (%s) skipped: already in progress", reason)
			return
		}
		d.config.Logger.Printf("Sync (%s) failed: %v", reason, err)
		return
	}
	if result.Synced+result.Failed+result.Conflicts+result.Pulled+result.Tombstoned > 0 {
		d.config.Logger.Printf("Sync (%s): synced=%d failed=%d conflicts=%d pulled=%d",
			reason, result.Synced, result.Failed, result.Conflicts, result.Pulled)
	}
}
