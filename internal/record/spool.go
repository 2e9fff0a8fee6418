package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MutationFile is the spool-file format for mutations produced by another
// process (the forms/UI layer). Each file holds exactly one mutation and is
// named {external_id}.{nanos}.json so repeated mutations of the same entity
// never collide.
type MutationFile struct {
	ExternalID string          `json:"external_id"`
	EntityType EntityType      `json:"entity_type"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Validate checks the mutation file fields.
func (m *MutationFile) Validate() error {
	entry := QueueEntry{
		ExternalID: m.ExternalID,
		EntityType: m.EntityType,
		Op:         m.Op,
		Payload:    m.Payload,
	}
	return entry.Validate()
}

// Filename returns the canonical spool filename for this mutation.
func (m *MutationFile) Filename() string {
	at := m.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("%s.%d.json", m.ExternalID, at.UnixNano())
}

// ReadMutationFile reads and validates a spool mutation file.
func ReadMutationFile(path string) (*MutationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m MutationFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}

	return &m, nil
}

// WriteMutationFile writes a mutation to the spool directory. The file is
// written to a temporary name first and renamed into place so watchers never
// observe a partial file.
func WriteMutationFile(spoolDir string, m *MutationFile) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid mutation: %w", err)
	}

	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mutation: %w", err)
	}

	final := filepath.Join(spoolDir, m.Filename())
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write mutation file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("failed to finalize mutation file: %w", err)
	}

	return final, nil
}
