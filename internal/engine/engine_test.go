package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/backoff"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/store/memory"
	"github.com/roach88/durable/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, s ExecutionStore, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithNow(testutil.NewDeterministicClock().Now),
		WithBackoff(backoff.NewConstant(0)),
	}
	return New(s, append(base, opts...)...)
}

func setupSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type orderEvent struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

// orderFlow validates, charges through target, and ships. Each step body
// bumps counter so tests can see which side effects actually ran.
func orderFlow(counter *testutil.Counter, target Target) Orchestration {
	return Typed(func(c *Context, ev orderEvent) (map[string]any, error) {
		valid, err := Step(c, "validate", ev, func(ctx context.Context, ev orderEvent) (bool, error) {
			counter.Inc("validate")
			return ev.Amount > 0, nil
		})
		if err != nil {
			return nil, err
		}
		if !valid {
			return nil, fmt.Errorf("order %s has no amount", ev.OrderID)
		}

		receipt, err := c.Invoke("charge", target, map[string]any{"order_id": ev.OrderID, "amount": ev.Amount})
		if err != nil {
			return nil, err
		}

		tracking, err := Step(c, "ship", ev.OrderID, func(ctx context.Context, id string) (string, error) {
			counter.Inc("ship")
			return "TRK-" + id, nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"receipt": receipt, "tracking": tracking}, nil
	})
}

func TestEngine_New(t *testing.T) {
	e := New(memory.New())

	assert.Equal(t, DefaultMaxAttempts, e.retry.MaxAttempts)
	assert.NotNil(t, e.retry.Backoff)
	assert.Equal(t, DefaultMaxEntries, e.maxEntries)
	assert.Equal(t, DefaultConflictRetries, e.conflictRetries)
	assert.Nil(t, e.limiter)
	assert.False(t, e.replayLogging)
}

func TestEngine_RunFresh(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := newTestEngine(t, s)
	counter := testutil.NewCounter()
	target := &testutil.CountingTarget{}

	result, err := e.Run(ctx, "order-1", orderFlow(counter, target), orderEvent{OrderID: "A1", Amount: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"receipt":{"amount":42,"order_id":"A1"},"tracking":"TRK-A1"}`, string(result))

	rec, err := e.Inspect(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionCompleted, rec.Status)
	assert.JSONEq(t, string(result), string(rec.Result))
	require.Len(t, rec.History, 3)

	want := []ir.CallKey{
		{Kind: ir.KindStep, Name: "validate"},
		{Kind: ir.KindInvoke, Name: "charge"},
		{Kind: ir.KindStep, Name: "ship"},
	}
	for i, entry := range rec.History {
		assert.Equal(t, int64(i+1), entry.Seq)
		assert.Equal(t, want[i], entry.Key())
		assert.Equal(t, ir.StatusCompleted, entry.Status)
		assert.NotEmpty(t, entry.InputFingerprint)
	}
	assert.True(t, rec.History[1].RecordedAt.After(rec.History[0].RecordedAt), "recordedAt comes from the engine clock")
}

func TestEngine_CompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, memory.New())
	counter := testutil.NewCounter()
	target := &testutil.CountingTarget{}
	fn := orderFlow(counter, target)
	ev := orderEvent{OrderID: "A1", Amount: 42}

	first, err := e.Run(ctx, "order-1", fn, ev)
	require.NoError(t, err)

	var called bool
	second, err := e.Run(ctx, "order-1", func(c *Context, _ json.RawMessage) (any, error) {
		called = true
		return nil, nil
	}, ev)
	require.NoError(t, err)

	assert.False(t, called, "orchestration must not run for a COMPLETED execution")
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, 1, counter.Get("validate"))
	assert.Equal(t, 1, target.Calls())
}

func TestEngine_FailedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, memory.New())
	calls := 0
	fn := func(c *Context, _ json.RawMessage) (any, error) {
		calls++
		return nil, errors.New("out of stock")
	}

	_, err := e.Run(ctx, "order-1", fn, nil)
	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "out of stock", failed.Err.Message)
	assert.Equal(t, failureError, failed.Err.Type)

	_, err = e.Run(ctx, "order-1", fn, nil)
	var again *ExecutionFailedError
	require.ErrorAs(t, err, &again)
	assert.Equal(t, failed.Err.Message, again.Err.Message)
	assert.Equal(t, 1, calls)

	rec, err := e.Inspect(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionFailed, rec.Status)
	assert.Nil(t, rec.Result)
}

func TestEngine_OrchestrationPanic(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, memory.New())

	_, err := e.Run(ctx, "exec-1", func(c *Context, _ json.RawMessage) (any, error) {
		panic("boom")
	}, nil)

	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, failurePanic, failed.Err.Type)
	assert.Contains(t, failed.Err.Message, "boom")
}

func TestEngine_StepPanicFailsExecution(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := newTestEngine(t, s)

	_, err := e.Run(ctx, "exec-1", func(c *Context, _ json.RawMessage) (any, error) {
		return c.Step("explode", nil, func(ctx context.Context) (any, error) {
			panic("step blew up")
		})
	}, nil)

	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, failurePanic, failed.Err.Type)

	history, err := s.Load(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, history, "a panicking step records nothing")
}

func TestEngine_UnencodableResultFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, memory.New())

	_, err := e.Run(ctx, "exec-1", func(c *Context, _ json.RawMessage) (any, error) {
		return make(chan int), nil
	}, nil)

	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Err.Message, "encode result")
}

func TestEngine_InvalidExecutionID(t *testing.T) {
	e := newTestEngine(t, memory.New())
	noop := func(c *Context, _ json.RawMessage) (any, error) { return nil, nil }

	_, err := e.Run(context.Background(), "", noop, nil)
	assert.Error(t, err)

	_, err = e.Run(context.Background(), "bad\nid", noop, nil)
	assert.Error(t, err)

	_, err = e.Run(context.Background(), "exec-1", nil, nil)
	assert.Error(t, err)
}

func TestEngine_Start(t *testing.T) {
	e := newTestEngine(t, memory.New(), WithIDGenerator(NewFixedGenerator("exec-a", "exec-b")))
	fn := func(c *Context, ev json.RawMessage) (any, error) { return ev, nil }

	id, result, err := e.Start(context.Background(), fn, map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionID("exec-a"), id)
	assert.JSONEq(t, `{"n":1}`, string(result))

	id, _, err = e.Start(context.Background(), fn, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionID("exec-b"), id)
}

func TestEngine_Registry(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := newTestEngine(t, s, WithIDGenerator(NewFixedGenerator("exec-1")))
	e.Register("echo", func(c *Context, ev json.RawMessage) (any, error) { return ev, nil })
	e.Register("alpha", func(c *Context, _ json.RawMessage) (any, error) { return nil, nil })

	assert.Equal(t, []string{"alpha", "echo"}, e.Orchestrations())
	_, ok := e.Lookup("missing")
	assert.False(t, ok)

	id, result, err := e.StartNamed(ctx, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(result))

	rec, err := s.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "echo", rec.Orchestration)

	_, err = e.RunNamed(ctx, "exec-2", "missing", nil)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeUnknownOrchestration, re.Code)

	_, err = e.RunNamed(ctx, id, "alpha", "hi")
	assert.True(t, IsNonDeterminism(err), "resuming under another orchestration name must be rejected")
}

func TestEngine_EventChangeIsNonDeterministic(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, memory.New())
	fn := func(c *Context, ev json.RawMessage) (any, error) { return ev, nil }

	_, err := e.Run(ctx, "exec-1", fn, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	// Key order and whitespace do not matter.
	_, err = e.Run(ctx, "exec-1", fn, json.RawMessage(`{ "b": 2, "a": 1 }`))
	require.NoError(t, err)

	_, err = e.Run(ctx, "exec-1", fn, map[string]any{"a": 1, "b": 3})
	var nd *NonDeterminismError
	require.ErrorAs(t, err, &nd)
	assert.Equal(t, int64(0), nd.Seq)
}

func TestEngine_InspectNotFound(t *testing.T) {
	e := newTestEngine(t, memory.New())
	_, err := e.Inspect(context.Background(), "nope")
	assert.True(t, ir.IsNotFound(err))
}

func TestEngine_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)
	e := newTestEngine(t, s)
	counter := testutil.NewCounter()
	target := &testutil.CountingTarget{}
	fn := orderFlow(counter, target)
	ev := orderEvent{OrderID: "S1", Amount: 5}

	first, err := e.Run(ctx, "order-s1", fn, ev)
	require.NoError(t, err)
	second, err := e.Run(ctx, "order-s1", fn, ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))

	rec, err := e.Inspect(ctx, "order-s1")
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionCompleted, rec.Status)
	assert.Len(t, rec.History, 3)
	assert.Equal(t, 1, target.Calls())
}

func TestEngine_ConcurrentRunsAgree(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := newTestEngine(t, s, WithConflictRetries(10))
	fn := func(c *Context, _ json.RawMessage) (any, error) {
		var total int
		for _, name := range []string{"a", "b", "c"} {
			n, err := Step(c, name, name, func(ctx context.Context, in string) (int, error) {
				return len(in) * 10, nil
			})
			if err != nil {
				return nil, err
			}
			total += n
		}
		return total, nil
	}

	const runners = 4
	results := make([]string, runners)
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Run(ctx, "shared", fn, nil)
			results[i], errs[i] = string(out), err
		}()
	}
	wg.Wait()

	for i := 0; i < runners; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "30", results[i])
	}

	history, err := s.Load(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, entry := range history {
		assert.Equal(t, int64(i+1), entry.Seq)
	}
}

// conflictStore injects append conflicts in front of a real store.
type conflictStore struct {
	ExecutionStore

	mu        sync.Mutex
	always    bool
	injected  int
	finishAs  json.RawMessage
	finishHit bool
}

// Append simulates another attempt winning the race: on the first call it
// writes the caller's entry itself, so the caller's own write conflicts.
func (s *conflictStore) Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.always {
		s.injected++
		return ir.NewSequenceConflict(id, entry.Seq+1, entry.Seq)
	}
	if s.injected == 0 {
		s.injected++
		if err := s.ExecutionStore.Append(ctx, id, entry); err != nil {
			return err
		}
	}
	return s.ExecutionStore.Append(ctx, id, entry)
}

// FinishExecution lets another attempt finish first when finishAs is set.
func (s *conflictStore) FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error {
	s.mu.Lock()
	if s.finishAs != nil && !s.finishHit {
		s.finishHit = true
		s.mu.Unlock()
		if err := s.ExecutionStore.FinishExecution(ctx, id, ir.ExecutionCompleted, s.finishAs, nil); err != nil {
			return err
		}
	} else {
		s.mu.Unlock()
	}
	return s.ExecutionStore.FinishExecution(ctx, id, status, result, failure)
}

func TestEngine_ConflictReloadsAndReplays(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{ExecutionStore: memory.New()}
	e := newTestEngine(t, s)
	counter := testutil.NewCounter()

	result, err := e.Run(ctx, "exec-1", func(c *Context, _ json.RawMessage) (any, error) {
		return Step(c, "only", 1, func(ctx context.Context, n int) (int, error) {
			counter.Inc("only")
			return n + 1, nil
		})
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", string(result))
	assert.Equal(t, 1, s.injected)
	assert.Equal(t, 1, counter.Get("only"), "the reload replays the winner's entry")
}

func TestEngine_ConflictRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{ExecutionStore: memory.New(), always: true}
	e := newTestEngine(t, s, WithConflictRetries(2))

	_, err := e.Run(ctx, "exec-1", func(c *Context, _ json.RawMessage) (any, error) {
		return c.Step("only", nil, func(ctx context.Context) (any, error) { return 1, nil })
	}, nil)

	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeConflict, re.Code)
	assert.Equal(t, 3, s.injected)

	rec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ExecutionRunning, rec.Status)
}

func TestEngine_FinishRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{ExecutionStore: memory.New(), finishAs: json.RawMessage(`"winner"`)}
	s.injected = 1 // no append conflicts
	e := newTestEngine(t, s)

	result, err := e.Run(ctx, "exec-1", func(c *Context, _ json.RawMessage) (any, error) {
		return "loser", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, `"winner"`, string(result))
}
