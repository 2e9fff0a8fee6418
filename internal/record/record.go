// Package record provides the data structures for the offline mutation queue
// and the entity snapshot cache.
//
// Every local create/update/delete is captured as a QueueEntry identified by a
// monotonically assigned local id. The entity itself is addressed everywhere
// by its ExternalID, a client-generated UUID, so the same id is valid locally
// and on the remote authority and upserts stay idempotent.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType identifies which remote table/endpoint a mutation targets.
// The set is fixed; an unknown value is a configuration error, never a skip.
type EntityType string

const (
	EntityAnimal       EntityType = "animal"
	EntityMilkRecord   EntityType = "milk_record"
	EntityWeightRecord EntityType = "weight_record"
	EntityHealthEvent  EntityType = "health_event"
)

// EntityTypes returns all known entity types.
func EntityTypes() []EntityType {
	return []EntityType{EntityAnimal, EntityMilkRecord, EntityWeightRecord, EntityHealthEvent}
}

// Validate checks that the entity type is one of the known values.
func (et EntityType) Validate() error {
	switch et {
	case EntityAnimal, EntityMilkRecord, EntityWeightRecord, EntityHealthEvent:
		return nil
	default:
		return fmt.Errorf("unknown entity type %q", string(et))
	}
}

// Op is the kind of mutation recorded in the queue.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Validate checks that the operation is one of the known values.
func (op Op) Validate() error {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("unknown operation %q", string(op))
	}
}

// Status is the lifecycle state of a queue entry.
//
// Transitions: Pending|Failed -> Syncing -> Synced on acknowledgment,
// -> Conflict when the remote reports a stale version, -> Failed on any
// other error. Synced and Conflict are terminal for the drain phase;
// Conflict entries leave only through explicit resolution.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// QueueEntry is one durable record of a single local mutation awaiting
// remote acknowledgment.
type QueueEntry struct {
	// ID is the local ordering key, assigned monotonically by the store.
	ID int64 `json:"id"`

	// ExternalID is the stable UUID of the target entity.
	ExternalID string `json:"external_id"`

	EntityType EntityType `json:"entity_type"`
	Op         Op         `json:"op"`

	// Payload is the serialized entity fields at the time of the mutation.
	// The queue treats it opaquely.
	Payload []byte `json:"payload,omitempty"`

	// BaseVersion is the remote version the mutation was made against.
	// Zero for creates. The remote authority rejects the upsert with a
	// conflict when its current version differs.
	BaseVersion int64 `json:"base_version"`

	// ConflictVersion is the remote version reported by the authority when
	// the entry entered Conflict. A local-wins resolution retries against it.
	ConflictVersion int64 `json:"conflict_version,omitempty"`

	Status       Status `json:"status"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Validate checks the fields required before an entry can be enqueued.
func (e *QueueEntry) Validate() error {
	if e.ExternalID == "" {
		return fmt.Errorf("external_id is required")
	}
	if _, err := uuid.Parse(e.ExternalID); err != nil {
		return fmt.Errorf("external_id must be a UUID: %w", err)
	}
	if err := e.EntityType.Validate(); err != nil {
		return err
	}
	if err := e.Op.Validate(); err != nil {
		return err
	}
	if e.Op != OpDelete && len(e.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", e.Op)
	}
	return nil
}

// Snapshot is the locally cached current-value view of one remote entity.
type Snapshot struct {
	ExternalID string     `json:"external_id"`
	EntityType EntityType `json:"entity_type"`
	Payload    []byte     `json:"payload"`

	// RemoteVersion is the last version acknowledged by the remote authority.
	RemoteVersion int64 `json:"remote_version"`

	// Synced is false while the local copy carries unacknowledged mutations.
	Synced bool `json:"synced"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Tombstone marks an entity deleted on the remote authority. It is consumed
// during a pull cycle and never persisted locally.
type Tombstone struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

// NewExternalID generates a fresh client-side entity UUID.
func NewExternalID() string {
	return uuid.NewString()
}

// ValidPayload reports whether the payload is well-formed JSON.
func ValidPayload(payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}
