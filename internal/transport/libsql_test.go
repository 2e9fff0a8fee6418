package transport

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
)

// setupRemote opens a throwaway file-backed authority. Skips when the libsql
// driver cannot open local files on this platform.
func setupRemote(t *testing.T) *Remote {
	t.Helper()

	r, err := OpenRemote(RemoteConfig{
		URL:     "file:" + filepath.Join(t.TempDir(), "remote.db"),
		Timeout: 5 * time.Second,
		Logger:  log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("OpenRemote failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	if err := r.InitSchema(context.Background()); err != nil {
		t.Skipf("libsql driver cannot open local files here: %v", err)
	}
	return r
}

func TestRemoteUpsertVersionCAS(t *testing.T) {
	r := setupRemote(t)
	ctx := context.Background()
	id := record.NewExternalID()

	ack, err := r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"tag":"A-104"}`), 0)
	if err != nil {
		t.Fatalf("initial upsert failed: %v", err)
	}
	if ack.Version != 1 {
		t.Errorf("first version = %d, want 1", ack.Version)
	}

	// A second create against the same id carries base 0 and must lose.
	_, err = r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"tag":"A-999"}`), 0)
	ce, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.RemoteVersion != 1 {
		t.Errorf("conflict reports remote version %d, want 1", ce.RemoteVersion)
	}

	// An update from the acknowledged base advances the version.
	ack, err = r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"tag":"A-105"}`), 1)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if ack.Version != 2 {
		t.Errorf("updated version = %d, want 2", ack.Version)
	}

	// A stale writer still holding base 1 now conflicts.
	_, err = r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"tag":"A-106"}`), 1)
	if ce, ok = AsConflict(err); !ok || ce.RemoteVersion != 2 {
		t.Errorf("stale base should conflict against version 2, got %v", err)
	}
}

func TestRemoteDeleteSemantics(t *testing.T) {
	r := setupRemote(t)
	ctx := context.Background()

	// Deleting an entity the authority never saw is acknowledged, not an
	// error: there is nothing to remove.
	unknown := record.NewExternalID()
	if _, err := r.Delete(ctx, record.EntityAnimal, unknown, 0); err != nil {
		t.Fatalf("delete of unknown entity should ack: %v", err)
	}

	id := record.NewExternalID()
	if _, err := r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"n":1}`), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// A stale delete conflicts like a stale upsert.
	if _, err := r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"n":2}`), 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := r.Delete(ctx, record.EntityAnimal, id, 1); !IsConflict(err) {
		t.Errorf("stale delete should conflict, got %v", err)
	}

	if _, err := r.Delete(ctx, record.EntityAnimal, id, 2); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// The tombstone reaches pullers; the entity is not among the changes.
	resp, err := r.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	found := false
	for _, ts := range resp.Tombstones {
		if ts.EntityID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("tombstones = %v, want one for %s", resp.Tombstones, id)
	}
	for _, c := range resp.Changes {
		if c.ExternalID == id {
			t.Errorf("deleted entity still listed as a change: %+v", c)
		}
	}
}

func TestRemotePullCollapsesHistory(t *testing.T) {
	r := setupRemote(t)
	ctx := context.Background()
	a := record.NewExternalID()
	b := record.NewExternalID()

	if _, err := r.Upsert(ctx, record.EntityMilkRecord, a, []byte(`{"liters":10}`), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	resp, err := r.Pull(ctx, "")
	if err != nil {
		t.Fatalf("first Pull failed: %v", err)
	}
	if len(resp.Changes) != 1 || resp.Cursor == "" || resp.Cursor == "0" {
		t.Fatalf("first pull = %+v, want one change and a cursor", resp)
	}
	cursor := resp.Cursor

	// Nothing new: the cursor holds and the batch is empty.
	resp, err = r.Pull(ctx, cursor)
	if err != nil {
		t.Fatalf("idle Pull failed: %v", err)
	}
	if len(resp.Changes) != 0 || len(resp.Tombstones) != 0 {
		t.Errorf("idle pull returned data: %+v", resp)
	}
	if resp.Cursor != cursor {
		t.Errorf("idle pull moved the cursor %s -> %s", cursor, resp.Cursor)
	}

	// Two edits to a and a new b since the cursor collapse to two changes,
	// a at its latest state.
	if _, err := r.Upsert(ctx, record.EntityMilkRecord, a, []byte(`{"liters":12}`), 1); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := r.Upsert(ctx, record.EntityMilkRecord, a, []byte(`{"liters":14}`), 2); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := r.Upsert(ctx, record.EntityAnimal, b, []byte(`{"tag":"B-1"}`), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	resp, err = r.Pull(ctx, cursor)
	if err != nil {
		t.Fatalf("second Pull failed: %v", err)
	}
	if len(resp.Changes) != 2 {
		t.Fatalf("changes = %+v, want a and b once each", resp.Changes)
	}
	for _, c := range resp.Changes {
		if c.ExternalID == a {
			if string(c.Payload) != `{"liters":14}` || c.Version != 3 {
				t.Errorf("collapsed change = %+v, want latest state v3", c)
			}
		}
	}
}

func TestRemotePullCursorBoundsBatch(t *testing.T) {
	r := setupRemote(t)
	ctx := context.Background()
	id := record.NewExternalID()

	if _, err := r.Upsert(ctx, record.EntityAnimal, id, []byte(`{"n":1}`), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	resp, err := r.Pull(ctx, "")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	// A write landing after the batch was cut stays above the returned
	// cursor, so the next pull delivers it instead of losing it.
	late := record.NewExternalID()
	if _, err := r.Upsert(ctx, record.EntityAnimal, late, []byte(`{"n":2}`), 0); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	next, err := r.Pull(ctx, resp.Cursor)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(next.Changes) != 1 || next.Changes[0].ExternalID != late {
		t.Errorf("changes = %+v, want only the late write", next.Changes)
	}
}
