package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// createTestStore creates a new file-backed store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry creates a COMPLETED step entry with minimal required fields.
func createTestEntry(seq int64, name string) ir.HistoryEntry {
	return ir.HistoryEntry{
		Seq:              seq,
		Kind:             ir.KindStep,
		Name:             name,
		InputFingerprint: ir.MustFingerprint(name),
		Status:           ir.StatusCompleted,
		Output:           []byte(`{"ok":true}`),
		RecordedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}
