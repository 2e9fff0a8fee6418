package migrate

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresdvelez/ganadero-sub001/internal/record"
	"github.com/andresdvelez/ganadero-sub001/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return st
}

func seedStore(t *testing.T, st *store.Store) (pending, synced *record.QueueEntry) {
	t.Helper()
	ctx := context.Background()

	pending, err := st.RecordMutation(ctx, record.OpCreate, record.EntityAnimal,
		record.NewExternalID(), []byte(`{"tag":"A-104"}`))
	if err != nil {
		t.Fatalf("RecordMutation failed: %v", err)
	}
	synced, err = st.RecordMutation(ctx, record.OpCreate, record.EntityMilkRecord,
		record.NewExternalID(), []byte(`{"liters":12}`))
	if err != nil {
		t.Fatalf("RecordMutation failed: %v", err)
	}
	if err := st.MarkSynced(ctx, synced.ID, time.Now()); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	return pending, synced
}

func TestParseFormat(t *testing.T) {
	if _, err := ParseFormat("jsonl"); err != nil {
		t.Errorf("jsonl should parse: %v", err)
	}
	if _, err := ParseFormat("yaml"); err != nil {
		t.Errorf("yaml should parse: %v", err)
	}
	if _, err := ParseFormat("csv"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestExportJSONL(t *testing.T) {
	st := setupTestStore(t)
	seedStore(t, st)

	var buf bytes.Buffer
	result, err := Export(context.Background(), st, &buf, FormatJSONL)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.Entries != 2 || result.Snapshots != 2 {
		t.Errorf("result = %+v, want 2 entries and 2 snapshots", result)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Errorf("got %d lines, want 4", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, `{"kind":`) {
			t.Errorf("line missing kind discriminator: %s", line)
		}
	}
}

func TestExportYAML(t *testing.T) {
	st := setupTestStore(t)
	seedStore(t, st)

	var buf bytes.Buffer
	if _, err := Export(context.Background(), st, &buf, FormatYAML); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "kind: queue_entry") {
		t.Errorf("YAML export missing queue entries:\n%s", out)
	}
	if !strings.Contains(out, "kind: snapshot") {
		t.Errorf("YAML export missing snapshots:\n%s", out)
	}
}

func TestImportRecordsUnsyncedOnly(t *testing.T) {
	src := setupTestStore(t)
	pending, _ := seedStore(t, src)

	var buf bytes.Buffer
	if _, err := Export(context.Background(), src, &buf, FormatJSONL); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := setupTestStore(t)
	result, err := Import(context.Background(), dst, &buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Recorded != 1 {
		t.Errorf("recorded = %d, want only the pending entry", result.Recorded)
	}
	if result.Skipped != 3 {
		t.Errorf("skipped = %d, want 3 (synced entry plus snapshots)", result.Skipped)
	}

	entries, err := dst.ListEntries(context.Background(), store.ListEntriesFilter{})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ExternalID != pending.ExternalID {
		t.Errorf("imported id = %s, want %s", entries[0].ExternalID, pending.ExternalID)
	}
	if entries[0].Status != record.StatusPending {
		t.Errorf("imported status = %s, want pending", entries[0].Status)
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	st := setupTestStore(t)
	if _, err := Import(context.Background(), st, strings.NewReader("not jsonl")); err == nil {
		t.Error("expected error for malformed input")
	}
}
