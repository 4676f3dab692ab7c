package crash

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/roach88/durable/internal/ir"
)

// ErrCrashed is returned by a Store once its crash point is reached.
// The engine sees it as a store failure, which aborts the attempt exactly
// the way a process dying mid-write would.
var ErrCrashed = errors.New("simulated crash")

// ExecutionStore mirrors engine.ExecutionStore. It is declared here so the
// wrapper does not import the engine.
type ExecutionStore interface {
	Load(ctx context.Context, id ir.ExecutionID) ([]ir.HistoryEntry, error)
	Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error
	CreateExecution(ctx context.Context, rec ir.ExecutionRecord) (bool, error)
	GetExecution(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error)
	FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error
	ListExecutions(ctx context.Context, status ir.ExecutionStatus) ([]ir.ExecutionRecord, error)
}

// Store wraps an ExecutionStore and fails writes after a configured point.
// The CLI arms it for run --crash-after; tests and the harness arm it to
// interrupt executions at exact history positions.
//
// CrashAfter(n) lets n appends through, then every write fails with
// ErrCrashed until Heal is called. The side effect of the call whose append
// was refused has already happened, which is the window between "work done"
// and "work recorded" that replay must cover.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Store struct {
	ExecutionStore

	mu          sync.Mutex
	appendsLeft int // -1 means unlimited
	crashFinish bool
	crashed     bool
	appends     int
	rejected    int
}

// New wraps inner with no crash point armed.
func New(inner ExecutionStore) *Store {
	return &Store{ExecutionStore: inner, appendsLeft: -1}
}

// CrashAfter arms the store to accept n more appends and then crash.
func (s *Store) CrashAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendsLeft = n
	s.crashed = false
}

// CrashBeforeFinish arms the store to refuse the terminal status write,
// leaving a complete history on a RUNNING record.
func (s *Store) CrashBeforeFinish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashFinish = true
}

// Heal disarms every crash point, as if the process restarted.
func (s *Store) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendsLeft = -1
	s.crashFinish = false
	s.crashed = false
}

// Crashed reports whether a crash point fired since the last arm or Heal.
func (s *Store) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// Appends returns the number of appends that reached the inner store.
func (s *Store) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

// Rejected returns the number of writes refused with ErrCrashed.
func (s *Store) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// Append forwards to the inner store until the crash point is reached.
func (s *Store) Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error {
	s.mu.Lock()
	if s.crashed || s.appendsLeft == 0 {
		s.crashed = true
		s.rejected++
		s.mu.Unlock()
		return ErrCrashed
	}
	if s.appendsLeft > 0 {
		s.appendsLeft--
	}
	s.mu.Unlock()

	if err := s.ExecutionStore.Append(ctx, id, entry); err != nil {
		return err
	}

	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	return nil
}

// FinishExecution forwards unless a crash fired or CrashBeforeFinish is armed.
func (s *Store) FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error {
	s.mu.Lock()
	if s.crashed || s.crashFinish {
		s.crashed = true
		s.rejected++
		s.mu.Unlock()
		return ErrCrashed
	}
	s.mu.Unlock()
	return s.ExecutionStore.FinishExecution(ctx, id, status, result, failure)
}
