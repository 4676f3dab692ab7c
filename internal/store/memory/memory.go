// Package memory is an in-process execution store. It satisfies the same
// contract as the SQLite and Postgres stores and is used by tests, the demo
// scenarios, and `durable run --driver memory`.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// Store keeps histories and records behind a single mutex.
type Store struct {
	mu         sync.Mutex
	histories  map[ir.ExecutionID][]ir.HistoryEntry
	executions map[ir.ExecutionID]ir.ExecutionRecord
	now        func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		histories:  make(map[ir.ExecutionID][]ir.HistoryEntry),
		executions: make(map[ir.ExecutionID]ir.ExecutionRecord),
		now:        time.Now,
	}
}

// NewWithClock returns an empty store whose timestamps come from now.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

// Load returns a copy of the history for id, ordered by seq.
func (s *Store) Load(ctx context.Context, id ir.ExecutionID) ([]ir.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.histories[id]
	out := make([]ir.HistoryEntry, len(src))
	for i, e := range src {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Append adds entry if its seq is exactly one past the last stored seq.
func (s *Store) Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.histories[id]
	next := int64(len(history)) + 1
	if entry.Seq != next {
		return fmt.Errorf("append: %w", ir.NewSequenceConflict(id, next, entry.Seq))
	}

	stored := cloneEntry(entry)
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = s.now()
	}
	s.histories[id] = append(history, stored)
	return nil
}

// CreateExecution inserts rec unless a record with the same id exists.
func (s *Store) CreateExecution(ctx context.Context, rec ir.ExecutionRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := rec.ID.Validate(); err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[rec.ID]; ok {
		return false, nil
	}

	stored := cloneRecord(rec)
	stored.History = nil
	stored.Result = nil
	stored.Error = nil
	if stored.Status == "" {
		stored.Status = ir.ExecutionRunning
	}
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.executions[rec.ID] = stored
	return true, nil
}

// GetExecution returns the record for id without history.
func (s *Store) GetExecution(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return ir.ExecutionRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[id]
	if !ok {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, ir.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// FinishExecution moves a RUNNING record to a terminal status.
func (s *Store) FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("finish execution: status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("finish execution %s: %w", id, ir.ErrNotFound)
	}
	if rec.Status != ir.ExecutionRunning {
		return fmt.Errorf("finish execution: %w", &ir.ConflictError{
			ExecutionID: id,
			Reason:      fmt.Sprintf("execution already %s", rec.Status),
		})
	}

	rec.Status = status
	rec.Result = slices.Clone(result)
	if failure != nil {
		f := *failure
		rec.Error = &f
	}
	rec.UpdatedAt = s.now()
	s.executions[id] = rec
	return nil
}

// ListExecutions returns records with the given status (all when empty),
// ordered by created_at then id.
func (s *Store) ListExecutions(ctx context.Context, status ir.ExecutionStatus) ([]ir.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []ir.ExecutionRecord{}
	for _, rec := range s.executions {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(a, b ir.ExecutionRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

func cloneEntry(e ir.HistoryEntry) ir.HistoryEntry {
	e.Output = slices.Clone(e.Output)
	if e.Error != nil {
		errCopy := *e.Error
		e.Error = &errCopy
	}
	return e
}

func cloneRecord(r ir.ExecutionRecord) ir.ExecutionRecord {
	r.Event = slices.Clone(r.Event)
	r.Result = slices.Clone(r.Result)
	if r.Error != nil {
		errCopy := *r.Error
		r.Error = &errCopy
	}
	r.History = nil
	return r
}
