package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/identity"
	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

func TestApplyPullAppliesChangesAndCursor(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := record.NewExternalID()

	changes := []*record.Snapshot{{
		ExternalID:    id,
		EntityType:    record.EntityAnimal,
		Payload:       []byte(`{"tag":"A-104"}`),
		RemoteVersion: 2,
	}}

	result, err := st.ApplyPull(ctx, changes, nil, "42", time.Now())
	if err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}
	if result.Applied != 1 || result.Skipped != 0 {
		t.Errorf("result = %+v, want 1 applied", result)
	}

	snap, err := st.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if !snap.Synced {
		t.Error("pulled snapshot should be clean")
	}
	if snap.RemoteVersion != 2 {
		t.Errorf("remote version = %d, want 2", snap.RemoteVersion)
	}

	state, err := st.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastPullCursor != "42" {
		t.Errorf("cursor = %q, want 42", state.LastPullCursor)
	}
	if state.LastSyncedAt == nil {
		t.Error("last synced time should be set")
	}
}

func TestApplyPullSkipsDirtyEntities(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := record.NewExternalID()

	// A pending local mutation makes the entity dirty.
	mustRecord(t, st, record.OpUpdate, id, `{"tag":"local-edit"}`)

	changes := []*record.Snapshot{{
		ExternalID:    id,
		EntityType:    record.EntityAnimal,
		Payload:       []byte(`{"tag":"remote-edit"}`),
		RemoteVersion: 9,
	}}

	result, err := st.ApplyPull(ctx, changes, nil, "10", time.Now())
	if err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}
	if result.Applied != 0 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 1 skipped", result)
	}

	snap, err := st.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if string(snap.Payload) != `{"tag":"local-edit"}` {
		t.Errorf("local optimistic value was clobbered: %s", snap.Payload)
	}

	// The cursor still advances; the entity refreshes after its drain.
	state, err := st.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if state.LastPullCursor != "10" {
		t.Errorf("cursor = %q, want 10", state.LastPullCursor)
	}
}

func TestApplyPullTombstones(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	gone := record.NewExternalID()
	dirty := record.NewExternalID()

	seed := []*record.Snapshot{{
		ExternalID: gone, EntityType: record.EntityAnimal,
		Payload: []byte(`{}`), RemoteVersion: 1,
	}}
	if _, err := st.ApplyPull(ctx, seed, nil, "1", time.Now()); err != nil {
		t.Fatalf("seed ApplyPull failed: %v", err)
	}
	mustRecord(t, st, record.OpUpdate, dirty, `{"n":1}`)

	tombstones := []record.Tombstone{
		{EntityType: record.EntityAnimal, EntityID: gone},
		{EntityType: record.EntityAnimal, EntityID: dirty},
	}
	result, err := st.ApplyPull(ctx, nil, tombstones, "2", time.Now())
	if err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}
	if result.Tombstoned != 1 {
		t.Errorf("tombstoned = %d, want 1", result.Tombstoned)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (dirty entity)", result.Skipped)
	}

	if _, err := st.GetSnapshot(ctx, gone); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("tombstoned snapshot should be gone, got %v", err)
	}
	if _, err := st.GetSnapshot(ctx, dirty); err != nil {
		t.Errorf("dirty snapshot should survive the tombstone: %v", err)
	}
}

func TestAcknowledgeEntityMarksClean(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	id := record.NewExternalID()

	entry := mustRecord(t, st, record.OpCreate, id, `{"n":1}`)

	// Still dirty while the entry is unacknowledged.
	if err := st.AcknowledgeEntity(ctx, id, 1); err != nil {
		t.Fatalf("AcknowledgeEntity failed: %v", err)
	}
	snap, err := st.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Synced {
		t.Error("snapshot should stay dirty while entries are unsynced")
	}

	if err := st.MarkSynced(ctx, entry.ID, time.Now()); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if err := st.AcknowledgeEntity(ctx, id, 1); err != nil {
		t.Fatalf("AcknowledgeEntity failed: %v", err)
	}

	snap, err = st.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if !snap.Synced {
		t.Error("snapshot should be clean after acknowledgment")
	}
	if snap.RemoteVersion != 1 {
		t.Errorf("remote version = %d, want 1", snap.RemoteVersion)
	}
}

func TestListSnapshotsByEntityType(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	changes := []*record.Snapshot{
		{ExternalID: record.NewExternalID(), EntityType: record.EntityAnimal, Payload: []byte(`{}`), RemoteVersion: 1},
		{ExternalID: record.NewExternalID(), EntityType: record.EntityMilkRecord, Payload: []byte(`{}`), RemoteVersion: 1},
	}
	if _, err := st.ApplyPull(ctx, changes, nil, "1", time.Now()); err != nil {
		t.Fatalf("ApplyPull failed: %v", err)
	}

	all, err := st.ListSnapshots(ctx, "")
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d snapshots, want 2", len(all))
	}

	animals, err := st.ListSnapshots(ctx, record.EntityAnimal)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(animals) != 1 {
		t.Errorf("got %d animal snapshots, want 1", len(animals))
	}
}

func TestSnapshotEncryptionAtRest(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	salt, err := identity.NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}
	cipher, err := identity.NewCipher(identity.DeriveKey([]byte("pass"), salt))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	st.SetCipher(cipher)

	id := record.NewExternalID()
	mustRecord(t, st, record.OpCreate, id, `{"tag":"secret-tag"}`)

	// Through the store, payloads come back decrypted.
	snap, err := st.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if string(snap.Payload) != `{"tag":"secret-tag"}` {
		t.Errorf("payload = %s", snap.Payload)
	}

	// On disk, the payload column holds ciphertext.
	var stored []byte
	err = st.RawDB().QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE external_id = ?`, id).Scan(&stored)
	if err != nil {
		t.Fatalf("raw read failed: %v", err)
	}
	if bytes.Contains(stored, []byte("secret-tag")) {
		t.Error("stored payload should not contain plaintext")
	}
}
