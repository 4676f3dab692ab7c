package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/durable/internal/backoff"
	"github.com/roach88/durable/internal/demo"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/store/crash"
	"github.com/roach88/durable/internal/testutil"
)

// Harness is the per-scenario test rig: a fresh in-memory SQLite store
// behind a crash.Store, an engine with the demo orchestrations registered,
// and deterministic clocks so every run of a scenario stamps the same
// history.
type Harness struct {
	store  *store.Store
	crash  *crash.Store
	engine *engine.Engine
	svc    *demo.Services
	logger *slog.Logger
}

// Option configures a Harness.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes engine and harness logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newHarness(opts ...Option) (*Harness, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:", store.WithNow(testutil.NewDeterministicClock().Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	crasher := crash.New(st)
	svc := demo.NewServices()
	engOpts := append([]engine.Option{
		engine.WithLogger(o.logger),
		engine.WithNow(testutil.NewDeterministicClock().Now),
		engine.WithBackoff(backoff.NewConstant(0)),
	}, svc.Options()...)
	eng := engine.New(crasher, engOpts...)
	svc.Register(eng)

	return &Harness{
		store:  st,
		crash:  crasher,
		engine: eng,
		svc:    svc,
		logger: o.logger,
	}, nil
}

// Close releases the harness store.
func (h *Harness) Close() error {
	return h.store.Close()
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh store, engine and demo services
// 2. Make every run in Scenario.Runs, healing the store after each
// 3. Read back the execution record, history and side effects
// 4. Check the expect clause and evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h, result, err := execute(ctx, scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	for _, msg := range checkExpect(result, scenario.Expect) {
		result.AddError(msg)
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		DB:       h.store.DB(),
		Scenario: scenario,
		Options:  opts,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// execute makes the scenario's runs and collects the observable outcome.
// The caller closes the returned Harness.
func execute(ctx context.Context, scenario *Scenario, opts ...Option) (*Harness, *Result, error) {
	h, err := newHarness(opts...)
	if err != nil {
		return nil, nil, err
	}

	runs := scenario.Runs
	if len(runs) == 0 {
		runs = []RunStep{{}}
	}

	id := ir.ExecutionID(scenario.executionID())
	result := NewResult()
	for i, run := range runs {
		result.Runs = append(result.Runs, h.runOnce(ctx, i, id, scenario, run))
	}

	if err := h.collect(ctx, id, result); err != nil {
		h.Close()
		return nil, nil, err
	}
	return h, result, nil
}

func (h *Harness) runOnce(ctx context.Context, index int, id ir.ExecutionID, scenario *Scenario, run RunStep) RunOutcome {
	switch {
	case run.CrashAfter != nil:
		h.crash.CrashAfter(*run.CrashAfter)
	case run.CrashBeforeFinish:
		h.crash.CrashBeforeFinish()
	}
	defer h.crash.Heal()

	var err error
	if run.Recover {
		err = h.recover(ctx, id)
	} else {
		_, err = h.engine.RunNamed(ctx, id, scenario.Orchestration, scenario.Event)
	}

	out := RunOutcome{
		Index:   index,
		Crashed: errors.Is(err, crash.ErrCrashed),
		Code:    engine.ErrorCode(err),
	}
	if err != nil {
		out.Error = err.Error()
	}
	h.logger.Info("scenario run finished",
		"run", index,
		"execution_id", id,
		"crashed", out.Crashed,
		"code", out.Code,
	)
	return out
}

// recover resumes through Engine.Recover and reports the outcome for id.
// An execution Recover did not pick up (already terminal) is not an error.
func (h *Harness) recover(ctx context.Context, id ir.ExecutionID) error {
	results, err := h.engine.Recover(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.ExecutionID == id {
			return r.Err
		}
	}
	return nil
}

func (h *Harness) collect(ctx context.Context, id ir.ExecutionID, result *Result) error {
	rec, err := h.store.GetExecution(ctx, id)
	switch {
	case ir.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("get execution: %w", err)
	default:
		result.Execution.Status = string(rec.Status)
		if rec.Error != nil {
			result.Execution.Error = rec.Error.Message
		}
		if len(rec.Result) > 0 {
			if err := json.Unmarshal(rec.Result, &result.Execution.Result); err != nil {
				return fmt.Errorf("decode execution result: %w", err)
			}
		}
	}

	history, err := h.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, entry := range history {
		ev := TraceEvent{
			Seq:    entry.Seq,
			Kind:   string(entry.Kind),
			Name:   entry.Name,
			Status: string(entry.Status),
		}
		if len(entry.Output) > 0 {
			if err := json.Unmarshal(entry.Output, &ev.Output); err != nil {
				return fmt.Errorf("decode output of seq %d: %w", entry.Seq, err)
			}
		}
		if entry.Error != nil {
			ev.Error = entry.Error.Message
		}
		result.Trace = append(result.Trace, ev)
	}

	for key, n := range h.svc.Ledger.Writes() {
		result.Effects[key] = n
	}
	for fn, n := range h.svc.Travel.CallCounts() {
		result.Effects[fn] = n
	}
	result.State["orders"] = h.svc.Ledger.Orders()
	result.State["bookings"] = h.svc.Travel.Bookings()
	return nil
}

// checkExpect compares the final execution record against the expect clause.
func checkExpect(result *Result, expect *ExpectClause) []string {
	if expect == nil {
		return nil
	}

	var errs []string
	if result.Execution.Status != expect.Status {
		errs = append(errs, fmt.Sprintf("expected execution status %s, got %q", expect.Status, result.Execution.Status))
	}
	if expect.ErrorContains != "" && !strings.Contains(result.Execution.Error, expect.ErrorContains) {
		errs = append(errs, fmt.Sprintf("expected execution error containing %q, got %q", expect.ErrorContains, result.Execution.Error))
	}
	if expect.Result != nil && !matchSubset(result.Execution.Result, normalize(expect.Result)) {
		errs = append(errs, fmt.Sprintf("execution result %v does not match %v", result.Execution.Result, expect.Result))
	}
	return errs
}

// normalize round-trips v through JSON so YAML-decoded values (int, nested
// maps) compare equal to JSON-decoded ones (float64, map[string]any).
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
