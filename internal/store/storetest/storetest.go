// Package storetest is the behavioral contract every execution store must
// satisfy. Adapters call Run from their own tests with a constructor that
// returns a fresh, empty store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/ir"
)

// Store is the method set under test. It mirrors engine.ExecutionStore
// without importing the engine.
type Store interface {
	Load(ctx context.Context, id ir.ExecutionID) ([]ir.HistoryEntry, error)
	Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error
	CreateExecution(ctx context.Context, rec ir.ExecutionRecord) (bool, error)
	GetExecution(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error)
	FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error
	ListExecutions(ctx context.Context, status ir.ExecutionStatus) ([]ir.ExecutionRecord, error)
}

// Run executes the contract suite. newStore must return an isolated store;
// it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"LoadEmpty", testLoadEmpty},
		{"AppendAndLoad", testAppendAndLoad},
		{"AppendRejectsGap", testAppendRejectsGap},
		{"AppendRejectsDuplicateSeq", testAppendRejectsDuplicateSeq},
		{"AppendRejectsInvalidEntry", testAppendRejectsInvalidEntry},
		{"ConcurrentAppendOneWins", testConcurrentAppendOneWins},
		{"FailedEntryRoundTrip", testFailedEntryRoundTrip},
		{"ExecutionsAreIsolated", testExecutionsAreIsolated},
		{"LoadReturnsCopy", testLoadReturnsCopy},
		{"CreateExecutionIdempotent", testCreateExecutionIdempotent},
		{"GetExecutionNotFound", testGetExecutionNotFound},
		{"FinishExecution", testFinishExecution},
		{"FinishExecutionOnlyOnce", testFinishExecutionOnlyOnce},
		{"FinishExecutionNotFound", testFinishExecutionNotFound},
		{"ListExecutionsByStatus", testListExecutionsByStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Entry builds a COMPLETED step entry whose output is the JSON encoding of v.
func Entry(seq int64, kind ir.EntryKind, name string, v any) ir.HistoryEntry {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return ir.HistoryEntry{
		Seq:              seq,
		Kind:             kind,
		Name:             name,
		InputFingerprint: ir.MustFingerprint(map[string]any{"name": name}),
		Status:           ir.StatusCompleted,
		Output:           out,
		RecordedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func running(id ir.ExecutionID) ir.ExecutionRecord {
	return ir.ExecutionRecord{
		ID:               id,
		Orchestration:    "order",
		Event:            json.RawMessage(`{"order_id":"o-1"}`),
		EventFingerprint: ir.MustFingerprint(map[string]any{"order_id": "o-1"}),
		Status:           ir.ExecutionRunning,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testLoadEmpty(t *testing.T, s Store) {
	entries, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testAppendAndLoad(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-append")

	require.NoError(t, s.Append(ctx, id, Entry(1, ir.KindStep, "prepare", map[string]any{"total": 42})))
	require.NoError(t, s.Append(ctx, id, Entry(2, ir.KindInvoke, "charge", "ok")))
	require.NoError(t, s.Append(ctx, id, Entry(3, ir.KindStep, "confirm", nil)))

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, ir.StatusCompleted, e.Status)
		assert.False(t, e.RecordedAt.IsZero())
	}
	assert.Equal(t, ir.CallKey{Kind: ir.KindStep, Name: "prepare"}, entries[0].Key())
	assert.Equal(t, ir.CallKey{Kind: ir.KindInvoke, Name: "charge"}, entries[1].Key())
	assert.JSONEq(t, `{"total":42}`, string(entries[0].Output))
	assert.JSONEq(t, `"ok"`, string(entries[1].Output))
	assert.JSONEq(t, `null`, string(entries[2].Output))
	assert.Equal(t, ir.MustFingerprint(map[string]any{"name": "prepare"}), entries[0].InputFingerprint)
}

func testAppendRejectsGap(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-gap")

	require.NoError(t, s.Append(ctx, id, Entry(1, ir.KindStep, "a", 1)))

	err := s.Append(ctx, id, Entry(3, ir.KindStep, "c", 3))
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err), "expected conflict, got %v", err)

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testAppendRejectsDuplicateSeq(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-dup")

	require.NoError(t, s.Append(ctx, id, Entry(1, ir.KindStep, "a", "first")))

	err := s.Append(ctx, id, Entry(1, ir.KindStep, "a", "second"))
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `"first"`, string(entries[0].Output))
}

func testAppendRejectsInvalidEntry(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-invalid")

	bad := Entry(1, ir.KindStep, "", nil)
	err := s.Append(ctx, id, bad)
	require.Error(t, err)
	assert.False(t, ir.IsConflict(err))

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testConcurrentAppendOneWins(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-race")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Append(ctx, id, Entry(1, ir.KindStep, "a", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case ir.IsConflict(err):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testFailedEntryRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-failed-entry")

	entry := ir.HistoryEntry{
		Seq:              1,
		Kind:             ir.KindInvoke,
		Name:             "charge",
		InputFingerprint: ir.MustFingerprint("card"),
		Status:           ir.StatusFailed,
		Error:            &ir.EntryError{Message: "card declined", Type: "permanent", Attempts: 1},
	}
	require.NoError(t, s.Append(ctx, id, entry))

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.StatusFailed, entries[0].Status)
	assert.Empty(t, entries[0].Output)
	assert.Equal(t, entry.Error, entries[0].Error)
}

func testExecutionsAreIsolated(t *testing.T, s Store) {
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Append(ctx, "exec-a", Entry(int64(i), ir.KindStep, fmt.Sprintf("a%d", i), i)))
	}
	require.NoError(t, s.Append(ctx, "exec-b", Entry(1, ir.KindStep, "b1", 1)))

	a, err := s.Load(ctx, "exec-a")
	require.NoError(t, err)
	b, err := s.Load(ctx, "exec-b")
	require.NoError(t, err)
	assert.Len(t, a, 3)
	assert.Len(t, b, 1)
}

func testLoadReturnsCopy(t *testing.T, s Store) {
	ctx := context.Background()
	id := ir.ExecutionID("exec-copy")
	require.NoError(t, s.Append(ctx, id, Entry(1, ir.KindStep, "a", "v")))

	entries, err := s.Load(ctx, id)
	require.NoError(t, err)
	entries[0].Name = "mutated"
	entries[0].Output[0] = 'X'

	again, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Name)
	assert.JSONEq(t, `"v"`, string(again[0].Output))
}

func testCreateExecutionIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	rec := running("exec-create")

	created, err := s.CreateExecution(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	other := rec
	other.Orchestration = "different"
	created, err = s.CreateExecution(ctx, other)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "order", got.Orchestration)
	assert.Equal(t, ir.ExecutionRunning, got.Status)
	assert.Equal(t, rec.EventFingerprint, got.EventFingerprint)
	assert.JSONEq(t, string(rec.Event), string(got.Event))
	assert.Nil(t, got.Error)
	assert.Empty(t, got.Result)
}

func testGetExecutionNotFound(t *testing.T, s Store) {
	_, err := s.GetExecution(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))
}

func testFinishExecution(t *testing.T, s Store) {
	ctx := context.Background()
	rec := running("exec-finish")
	_, err := s.CreateExecution(ctx, rec)
	require.NoError(t, err)

	err = s.FinishExecution(ctx, rec.ID, ir.ExecutionRunning, nil, nil)
	require.Error(t, err, "RUNNING is not a terminal status")

	require.NoError(t, s.FinishExecution(ctx, rec.ID, ir.ExecutionCompleted, json.RawMessage(`{"charged":true}`), nil))

	got, err := s.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionCompleted, got.Status)
	assert.JSONEq(t, `{"charged":true}`, string(got.Result))
	assert.Nil(t, got.Error)

	failed := running("exec-finish-failed")
	_, err = s.CreateExecution(ctx, failed)
	require.NoError(t, err)
	failure := &ir.EntryError{Message: "card declined", Type: "permanent"}
	require.NoError(t, s.FinishExecution(ctx, failed.ID, ir.ExecutionFailed, nil, failure))

	got, err = s.GetExecution(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionFailed, got.Status)
	assert.Equal(t, failure, got.Error)
	assert.Empty(t, got.Result)
}

func testFinishExecutionOnlyOnce(t *testing.T, s Store) {
	ctx := context.Background()
	rec := running("exec-once")
	_, err := s.CreateExecution(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, s.FinishExecution(ctx, rec.ID, ir.ExecutionCompleted, json.RawMessage(`1`), nil))

	err = s.FinishExecution(ctx, rec.ID, ir.ExecutionFailed, nil, &ir.EntryError{Message: "late"})
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err))

	got, err := s.GetExecution(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionCompleted, got.Status)
	assert.JSONEq(t, `1`, string(got.Result))
}

func testFinishExecutionNotFound(t *testing.T, s Store) {
	err := s.FinishExecution(context.Background(), "ghost", ir.ExecutionCompleted, nil, nil)
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))
}

func testListExecutionsByStatus(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []ir.ExecutionID{"exec-1", "exec-2", "exec-3"} {
		rec := running(id)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := s.CreateExecution(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, s.FinishExecution(ctx, "exec-2", ir.ExecutionCompleted, json.RawMessage(`"done"`), nil))

	all, err := s.ListExecutions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []ir.ExecutionID{"exec-1", "exec-2", "exec-3"}, ids(all))

	runningRecs, err := s.ListExecutions(ctx, ir.ExecutionRunning)
	require.NoError(t, err)
	assert.Equal(t, []ir.ExecutionID{"exec-1", "exec-3"}, ids(runningRecs))

	completed, err := s.ListExecutions(ctx, ir.ExecutionCompleted)
	require.NoError(t, err)
	assert.Equal(t, []ir.ExecutionID{"exec-2"}, ids(completed))

	failed, err := s.ListExecutions(ctx, ir.ExecutionFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func ids(recs []ir.ExecutionRecord) []ir.ExecutionID {
	out := make([]ir.ExecutionID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
