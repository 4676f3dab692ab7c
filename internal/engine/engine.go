package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/durable/internal/ir"
)

// tracerName is the instrumentation scope name for engine tracing.
const tracerName = "github.com/roach88/durable/internal/engine"

// HistoryStore is the narrow log contract the replay protocol needs.
//
// Append must reject an entry whose Seq is not exactly one past the stored
// maximum with an error wrapping ir.ErrConflict, and must never accept two
// entries with the same (id, seq).
type HistoryStore interface {
	Load(ctx context.Context, id ir.ExecutionID) ([]ir.HistoryEntry, error)
	Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error
}

// ExecutionStore adds the engine-owned ExecutionRecord to a HistoryStore.
// Implemented by store.Store (SQLite), postgres.Store and memory.Store.
type ExecutionStore interface {
	HistoryStore

	// CreateExecution inserts rec unless the id exists; created reports which.
	CreateExecution(ctx context.Context, rec ir.ExecutionRecord) (created bool, err error)

	// GetExecution returns the record without history, or ir.ErrNotFound.
	GetExecution(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error)

	// FinishExecution moves RUNNING to COMPLETED or FAILED exactly once;
	// later transitions fail with ir.ErrConflict.
	FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error

	// ListExecutions filters by status; empty status lists everything.
	ListExecutions(ctx context.Context, status ir.ExecutionStatus) ([]ir.ExecutionRecord, error)
}

// Orchestration is user code driven by the engine. It must reach every
// side effect through c and otherwise be deterministic given event and the
// results c returns.
type Orchestration func(c *Context, event json.RawMessage) (any, error)

// Typed adapts a function with a typed event and result to Orchestration.
// An event that does not decode fails the execution.
func Typed[E, R any](fn func(c *Context, event E) (R, error)) Orchestration {
	return func(c *Context, raw json.RawMessage) (any, error) {
		var event E
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &event); err != nil {
				return nil, fmt.Errorf("decode event: %w", err)
			}
		}
		return fn(c, event)
	}
}

// Engine drives orchestrations against an ExecutionStore.
//
// Thread-safety model:
//   - Run, RunNamed, Start and Recover are safe from any goroutine
//   - Different ExecutionIDs never share state
//   - Attempts on the same ExecutionID are serialized by the store
type Engine struct {
	store  ExecutionStore
	logger *slog.Logger
	ids    IDGenerator
	now    func() time.Time
	tracer trace.Tracer

	retry   RetryPolicy
	limiter *rate.Limiter
	targets map[string]Target

	maxEntries         int
	conflictRetries    int
	recoverConcurrency int
	replayLogging      bool

	mu       sync.RWMutex
	registry map[string]Orchestration
}

// New creates an Engine backed by store.
func New(store ExecutionStore, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		logger:             slog.Default(),
		ids:                UUIDv7Generator{},
		now:                time.Now,
		tracer:             otel.Tracer(tracerName),
		retry:              DefaultRetryPolicy(),
		targets:            make(map[string]Target),
		maxEntries:         DefaultMaxEntries,
		conflictRetries:    DefaultConflictRetries,
		recoverConcurrency: DefaultRecoverConcurrency,
		registry:           make(map[string]Orchestration),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Register makes fn resumable by name. Recover only resumes executions
// whose orchestration is registered.
func (e *Engine) Register(name string, fn Orchestration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[name] = fn
}

// Lookup returns the orchestration registered under name.
func (e *Engine) Lookup(name string) (Orchestration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.registry[name]
	return fn, ok
}

// Orchestrations returns the registered names in sorted order.
func (e *Engine) Orchestrations() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Store returns the engine's store.
func (e *Engine) Store() ExecutionStore {
	return e.store
}

// Run drives fn for id to a terminal outcome.
//
//   - Unknown id: a RUNNING record is created and fn runs fresh.
//   - RUNNING id: history is replayed and fn resumes after the last entry.
//   - COMPLETED id: the stored result is returned; fn is not called.
//   - FAILED id: an *ExecutionFailedError with the stored error; fn is not called.
//
// The event is checked before the status: re-running any id, terminal or
// not, with an event other than the one it started with returns a
// *NonDeterminismError instead of the stored outcome.
//
// A fatal error (non-determinism, store failure, cancellation) is returned
// as-is and leaves the record RUNNING.
func (e *Engine) Run(ctx context.Context, id ir.ExecutionID, fn Orchestration, event any) (json.RawMessage, error) {
	return e.run(ctx, id, "", fn, event)
}

// RunNamed is Run for a registered orchestration. The name is stored on the
// record so Recover can find the function again.
func (e *Engine) RunNamed(ctx context.Context, id ir.ExecutionID, name string, event any) (json.RawMessage, error) {
	fn, ok := e.Lookup(name)
	if !ok {
		return nil, &RuntimeError{
			Code:        ErrCodeUnknownOrchestration,
			Message:     fmt.Sprintf("no orchestration registered as %q", name),
			ExecutionID: id,
		}
	}
	return e.run(ctx, id, name, fn, event)
}

// Start runs fn under a freshly generated ExecutionID.
func (e *Engine) Start(ctx context.Context, fn Orchestration, event any) (ir.ExecutionID, json.RawMessage, error) {
	id := e.ids.Generate()
	result, err := e.Run(ctx, id, fn, event)
	return id, result, err
}

// StartNamed runs a registered orchestration under a fresh ExecutionID.
func (e *Engine) StartNamed(ctx context.Context, name string, event any) (ir.ExecutionID, json.RawMessage, error) {
	id := e.ids.Generate()
	result, err := e.RunNamed(ctx, id, name, event)
	return id, result, err
}

// Inspect returns the record for id with its full history attached.
func (e *Engine) Inspect(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error) {
	rec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return ir.ExecutionRecord{}, err
	}
	history, err := e.store.Load(ctx, id)
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("load history: %w", err)
	}
	rec.History = history
	return rec, nil
}

func (e *Engine) run(ctx context.Context, id ir.ExecutionID, name string, fn Orchestration, event any) (result json.RawMessage, err error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("run %s: nil orchestration", id)
	}

	eventJSON, err := encodeOutput(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	eventFP, err := ir.EventFingerprint(eventJSON)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "durable.run",
		trace.WithAttributes(
			attribute.String("durable.execution_id", string(id)),
			attribute.String("durable.orchestration", name),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	rec, err := e.loadOrCreate(ctx, id, name, eventJSON, eventFP)
	if err != nil {
		return nil, err
	}

	if rec.EventFingerprint != eventFP {
		return nil, &NonDeterminismError{
			ExecutionID: id,
			Reason:      "event differs from the one that started the execution",
		}
	}
	if name != "" && rec.Orchestration != "" && rec.Orchestration != name {
		return nil, &NonDeterminismError{
			ExecutionID: id,
			Reason:      fmt.Sprintf("started as orchestration %q, resumed as %q", rec.Orchestration, name),
		}
	}
	if rec.Status.IsTerminal() {
		e.logger.Debug("execution already terminal",
			"execution_id", id,
			"status", rec.Status,
		)
		return terminalOutcome(rec)
	}

	for conflicts := 0; ; conflicts++ {
		result, err = e.runAttempt(ctx, rec, fn)
		if !ir.IsConflict(err) {
			return result, err
		}
		if conflicts >= e.conflictRetries {
			return nil, &RuntimeError{
				Code:        ErrCodeConflict,
				Message:     fmt.Sprintf("gave up after %d conflicting attempts: %v", conflicts+1, err),
				ExecutionID: id,
			}
		}
		e.logger.Warn("history conflict, reloading",
			"execution_id", id,
			"retry", conflicts+1,
			"error", err,
		)
	}
}

// loadOrCreate fetches the record for id, creating a RUNNING one if needed.
// When two callers race to create, the loser reads the winner's record.
func (e *Engine) loadOrCreate(ctx context.Context, id ir.ExecutionID, name string, event json.RawMessage, eventFP string) (ir.ExecutionRecord, error) {
	rec, err := e.store.GetExecution(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !ir.IsNotFound(err) {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, err)
	}

	now := e.now()
	rec = ir.ExecutionRecord{
		ID:               id,
		Orchestration:    name,
		Event:            event,
		EventFingerprint: eventFP,
		Status:           ir.ExecutionRunning,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created, err := e.store.CreateExecution(ctx, rec)
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("create execution %s: %w", id, err)
	}
	if created {
		e.logger.Info("execution created",
			"execution_id", id,
			"orchestration", name,
		)
		return rec, nil
	}

	rec, err = e.store.GetExecution(ctx, id)
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, err)
	}
	return rec, nil
}

// runAttempt loads history, replays fn from the top, and persists the
// terminal status if fn finishes without a fatal error.
func (e *Engine) runAttempt(ctx context.Context, rec ir.ExecutionRecord, fn Orchestration) (json.RawMessage, error) {
	history, err := e.store.Load(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", rec.ID, err)
	}

	c := newContext(ctx, e, rec.ID, history)
	e.logger.Info("execution attempt starting",
		"execution_id", rec.ID,
		"orchestration", rec.Orchestration,
		"history", len(history),
	)

	c.state = StateRunning
	value, panicked, fnErr := c.execute(fn, rec.Event)
	e.logger.Debug("orchestration returned",
		"execution_id", rec.ID,
		"replayed", c.cursor.position(),
		"calls", c.names.size(),
		"last_seq", c.clock.current(),
	)

	if c.fatal == nil && c.cursor.remaining() > 0 {
		next, _ := c.cursor.peek()
		c.poison(&NonDeterminismError{
			ExecutionID: rec.ID,
			Seq:         next.Seq,
			Recorded:    next.Key(),
			Reason:      fmt.Sprintf("orchestration returned with %d unconsumed history entries", c.cursor.remaining()),
		})
	}
	if c.fatal == nil && ctx.Err() != nil {
		c.poison(ctx.Err())
	}
	if c.fatal != nil {
		c.state = StateFailed
		e.logger.Error("execution attempt aborted",
			"execution_id", rec.ID,
			"code", ErrorCode(c.fatal),
			"error", c.fatal,
		)
		return nil, c.fatal
	}

	if fnErr != nil {
		c.state = StateFailed
		failure := &ir.EntryError{Message: fnErr.Error(), Type: failureError}
		if panicked {
			failure.Type = failurePanic
		}
		return e.finish(ctx, rec.ID, ir.ExecutionFailed, nil, failure)
	}

	result, err := encodeOutput(value)
	if err != nil {
		c.state = StateFailed
		return e.finish(ctx, rec.ID, ir.ExecutionFailed, nil, &ir.EntryError{
			Message: fmt.Sprintf("encode result: %v", err),
			Type:    failureError,
		})
	}
	c.state = StateCompleted
	return e.finish(ctx, rec.ID, ir.ExecutionCompleted, result, nil)
}

// execute calls fn, converting a panic into an error.
func (c *Context) execute(fn Orchestration, event json.RawMessage) (value any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, panicked, err = nil, true, fmt.Errorf("orchestration panicked: %v", r)
		}
	}()
	value, err = fn(c, event)
	return value, false, err
}

// finish persists the terminal status. If another attempt got there first
// its outcome stands and is returned instead.
func (e *Engine) finish(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) (json.RawMessage, error) {
	err := e.store.FinishExecution(ctx, id, status, result, failure)
	if ir.IsConflict(err) {
		rec, getErr := e.store.GetExecution(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("get execution %s: %w", id, getErr)
		}
		e.logger.Warn("execution finished by another attempt",
			"execution_id", id,
			"status", rec.Status,
		)
		return terminalOutcome(rec)
	}
	if err != nil {
		return nil, fmt.Errorf("finish execution %s: %w", id, err)
	}

	e.logger.Info("execution finished",
		"execution_id", id,
		"status", status,
	)
	if status == ir.ExecutionFailed {
		return nil, &ExecutionFailedError{ExecutionID: id, Err: failure}
	}
	return result, nil
}

func terminalOutcome(rec ir.ExecutionRecord) (json.RawMessage, error) {
	if rec.Status == ir.ExecutionFailed {
		failure := rec.Error
		if failure == nil {
			failure = &ir.EntryError{Message: "failed without detail"}
		}
		return nil, &ExecutionFailedError{ExecutionID: rec.ID, Err: failure}
	}
	return rec.Result, nil
}

// RecoveryResult reports what Recover did with one RUNNING execution.
type RecoveryResult struct {
	ExecutionID   ir.ExecutionID
	Orchestration string
	Status        ir.ExecutionStatus // status after the attempt
	Result        json.RawMessage
	Err           error
	Skipped       bool // orchestration not registered
}

// Recover resumes every RUNNING execution whose orchestration is
// registered, at most WithRecoverConcurrency at a time. Per-execution
// failures are reported in the results, not as the returned error.
func (e *Engine) Recover(ctx context.Context) ([]RecoveryResult, error) {
	recs, err := e.store.ListExecutions(ctx, ir.ExecutionRunning)
	if err != nil {
		return nil, fmt.Errorf("find incomplete executions: %w", err)
	}

	e.logger.Info("recovery starting", "executions", len(recs))

	results := make([]RecoveryResult, len(recs))
	var g errgroup.Group
	g.SetLimit(max(1, e.recoverConcurrency))
	for i, rec := range recs {
		g.Go(func() error {
			results[i] = e.recoverOne(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	var completed, failed, pending int
	for _, r := range results {
		switch r.Status {
		case ir.ExecutionCompleted:
			completed++
		case ir.ExecutionFailed:
			failed++
		default:
			pending++
		}
	}
	e.logger.Info("recovery finished",
		"completed", completed,
		"failed", failed,
		"still_running", pending,
	)
	return results, nil
}

func (e *Engine) recoverOne(ctx context.Context, rec ir.ExecutionRecord) RecoveryResult {
	res := RecoveryResult{
		ExecutionID:   rec.ID,
		Orchestration: rec.Orchestration,
		Status:        ir.ExecutionRunning,
	}

	fn, ok := e.Lookup(rec.Orchestration)
	if !ok {
		res.Skipped = true
		res.Err = &RuntimeError{
			Code:        ErrCodeUnknownOrchestration,
			Message:     fmt.Sprintf("no orchestration registered as %q", rec.Orchestration),
			ExecutionID: rec.ID,
		}
		return res
	}

	res.Result, res.Err = e.run(ctx, rec.ID, rec.Orchestration, fn, rec.Event)
	var failed *ExecutionFailedError
	switch {
	case res.Err == nil:
		res.Status = ir.ExecutionCompleted
	case errors.As(res.Err, &failed):
		res.Status = ir.ExecutionFailed
	}
	return res
}
