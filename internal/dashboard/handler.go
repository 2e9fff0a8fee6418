package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
	enginesync "github.com/andresdvelez/ganadero-sub001/internal/sync"
)

// Handler bridges sync engine events to the WebSocket server. It implements
// the engine's Notifier interface.
type Handler struct {
	server *Server
	store  *store.Store
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server. The
// store is used to attach fresh queue statistics to pass summaries.
func NewHandler(server *Server, st *store.Store, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		store:  st,
		logger: logger,
	}
}

var _ enginesync.Notifier = (*Handler)(nil)

// EntrySynced implements sync.Notifier.
func (h *Handler) EntrySynced(entry *record.QueueEntry) {
	h.broadcastEntry(MessageTypeEntrySynced, entry, nil)
}

// EntryFailed implements sync.Notifier.
func (h *Handler) EntryFailed(entry *record.QueueEntry, err error) {
	h.broadcastEntry(MessageTypeEntryFailed, entry, err)
}

// EntryConflict implements sync.Notifier.
func (h *Handler) EntryConflict(entry *record.QueueEntry, err error) {
	h.broadcastEntry(MessageTypeEntryConflict, entry, err)
}

// SyncComplete implements sync.Notifier.
func (h *Handler) SyncComplete(result *enginesync.Result) {
	data := SyncCompleteData{
		Synced:     result.Synced,
		Failed:     result.Failed,
		Conflicts:  result.Conflicts,
		Pulled:     result.Pulled,
		Tombstoned: result.Tombstoned,
		Duration:   result.FinishedAt.Sub(result.StartedAt),
	}
	h.broadcast(MessageTypeSyncComplete, data)
	h.broadcastStats()
}

func (h *Handler) broadcastEntry(typ MessageType, entry *record.QueueEntry, err error) {
	data := EntryEventData{
		EntryID:    entry.ID,
		ExternalID: entry.ExternalID,
		EntityType: string(entry.EntityType),
		Op:         string(entry.Op),
		RetryCount: entry.RetryCount,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.broadcast(typ, data)
}

// broadcastStats publishes current queue statistics.
func (h *Handler) broadcastStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pending, err := h.store.PendingCount(ctx)
	if err != nil {
		h.logger.Printf("Failed to read pending count: %v", err)
		return
	}
	conflicts, err := h.store.Conflicts(ctx)
	if err != nil {
		h.logger.Printf("Failed to read conflicts: %v", err)
		return
	}

	h.broadcast(MessageTypeStats, StatsData{
		Pending:   pending,
		Conflicts: len(conflicts),
	})
}

func (h *Handler) broadcast(typ MessageType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      raw,
	})
}
