// Package transport defines the remote authority capability consumed by the
// sync engine: per-entity upserts with version compare-and-set, deletes, and
// cursor-bounded pulls.
//
// A version conflict is a distinguishable error kind (ConflictError), never a
// generic failure, so the drain phase can route the entry to Conflict instead
// of Failed.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

// Ack is the remote acknowledgment of an accepted mutation.
type Ack struct {
	// Version is the entity's new version on the remote authority.
	Version int64
}

// Change is one remotely-changed entity in a pull response.
type Change struct {
	EntityType record.EntityType `json:"entity_type"`
	ExternalID string            `json:"external_id"`
	Payload    []byte            `json:"payload"`
	Version    int64             `json:"version"`
}

// PullResponse carries remote deltas since a cursor.
type PullResponse struct {
	Changes    []Change           `json:"changes"`
	Tombstones []record.Tombstone `json:"tombstones"`

	// Cursor is the opaque token bounding this pull; pass it to the next
	// Pull call. Always set, even when the response is empty.
	Cursor string `json:"cursor"`
}

// Transport is the capability the sync engine drains to and pulls from.
//
// All calls should carry the caller's timeout via ctx; a timeout is the
// generic transport-error path, not a special case.
type Transport interface {
	// Upsert creates or updates an entity by external id. baseVersion is the
	// remote version the client last observed (0 for creates); a mismatch
	// with the authority's current version returns a *ConflictError.
	Upsert(ctx context.Context, entityType record.EntityType, externalID string, payload []byte, baseVersion int64) (*Ack, error)

	// Delete removes an entity remotely, with the same version check as
	// Upsert. Deleting an already-deleted entity is acknowledged.
	Delete(ctx context.Context, entityType record.EntityType, externalID string, baseVersion int64) (*Ack, error)

	// Pull returns remote changes and tombstones since cursor. An empty
	// cursor requests the full entity set.
	Pull(ctx context.Context, cursor string) (*PullResponse, error)

	// Ping reports reachability of the remote authority.
	Ping(ctx context.Context) error
}

// ConflictError reports that the remote authority rejected a mutation because
// its current version diverges from the client's base version.
type ConflictError struct {
	EntityType    record.EntityType
	ExternalID    string
	BaseVersion   int64
	RemoteVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: have base %d, remote is at %d",
		e.EntityType, e.ExternalID, e.BaseVersion, e.RemoteVersion)
}

// IsConflict reports whether err is (or wraps) a remote version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// AsConflict unwraps a ConflictError, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
