package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/durable/internal/ir"
)

// State is the lifecycle of one execution attempt.
type State int

const (
	// StateInit: history loaded, cursor at position 0.
	StateInit State = iota
	// StateRunning: the orchestration function is executing.
	StateRunning
	// StateSuspended is reserved for deferred calls (waits, callbacks).
	// No operation of this engine enters it.
	StateSuspended
	// StateCompleted: the orchestration returned and the record is COMPLETED.
	StateCompleted
	// StateFailed: the orchestration raised, or the attempt was aborted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Context is the object handed to orchestration code. It owns the replay
// cursor for one attempt and routes Step and Invoke through it.
//
// A Context is not safe for concurrent use: orchestration code must issue
// its calls sequentially, and never from inside a step function, an invoke
// target or a Parallel branch. Use Parallel to fan out.
type Context struct {
	ctx    context.Context
	engine *Engine
	id     ir.ExecutionID

	cursor *replayCursor
	clock  *seqClock
	names  *nameTracker
	quota  *QuotaEnforcer

	state  State
	fatal  error
	logger *slog.Logger

	busy   atomic.Bool
	nested atomic.Pointer[RuntimeError]
}

func newContext(ctx context.Context, e *Engine, id ir.ExecutionID, history []ir.HistoryEntry) *Context {
	c := &Context{
		ctx:    ctx,
		engine: e,
		id:     id,
		cursor: newReplayCursor(history),
		names:  newNameTracker(),
		quota:  NewQuotaEnforcer(e.maxEntries, len(history)),
		state:  StateInit,
	}
	c.clock = newSeqClock(c.cursor.lastSeq())
	c.logger = slog.New(newReplayHandler(e.logger.Handler(), c, e.replayLogging)).With(
		"execution_id", string(id),
	)
	return c
}

// ExecutionID returns the id of the execution being driven.
func (c *Context) ExecutionID() ir.ExecutionID {
	return c.id
}

// Context returns the attempt's context.Context. Step functions receive it
// as their argument; orchestration code rarely needs it directly.
func (c *Context) Context() context.Context {
	return c.ctx
}

// State returns the attempt's lifecycle state.
func (c *Context) State() State {
	return c.state
}

// IsReplaying reports whether unconsumed history remains, meaning the next
// Step or Invoke will be answered from history.
func (c *Context) IsReplaying() bool {
	return c.cursor.remaining() > 0
}

// Logger returns the orchestration logger. Its output is best-effort and
// not part of history; while replaying, records are dropped unless the
// engine was built WithReplayLogging(true).
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Log writes an info-level record through Logger.
func (c *Context) Log(msg string, args ...any) {
	c.logger.Info(msg, args...)
}

// Err returns the fatal error that poisoned this attempt, if any.
func (c *Context) Err() error {
	return c.fatal
}

// poison records err as the attempt's fatal error and returns it.
// Only the first fatal error is kept.
func (c *Context) poison(err error) error {
	if c.fatal == nil {
		c.fatal = err
	}
	return c.fatal
}

// outcome is the single result a fresh call records: output on success,
// failure on a recorded error. A non-nil abort means no entry may be
// written (cancellation, store trouble) and poisons the attempt.
type outcome struct {
	output  json.RawMessage
	failure *ir.EntryError
	abort   error
}

// enter marks the Context busy for the duration of one Step, Invoke or
// Parallel. A call made while busy comes from inside another call's
// function; it is refused and remembered so the outer call aborts instead
// of recording an outcome.
func (c *Context) enter(kind ir.EntryKind, name string) (release func(), err error) {
	if c.busy.CompareAndSwap(false, true) {
		return func() { c.busy.Store(false) }, nil
	}
	nested := &RuntimeError{
		Code:        ErrCodeInvalidCall,
		Message:     fmt.Sprintf("%s %q issued inside another step or invoke", kind, name),
		ExecutionID: c.id,
		Name:        name,
	}
	c.nested.CompareAndSwap(nil, nested)
	return nil, nested
}

// admit runs the checks shared by every call before the cursor is consulted.
func (c *Context) admit(kind ir.EntryKind, name string) error {
	if c.state != StateRunning {
		return c.poison(&RuntimeError{
			Code:        ErrCodeContextClosed,
			Message:     fmt.Sprintf("call on %s context", c.state),
			ExecutionID: c.id,
			Name:        name,
		})
	}
	if name == "" {
		return c.poison(&RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     fmt.Sprintf("%s call requires a name", kind),
			ExecutionID: c.id,
		})
	}
	return nil
}

func (c *Context) fingerprint(name string, inputs any) (string, error) {
	fp, err := ir.Fingerprint(inputs)
	if err != nil {
		return "", c.poison(&RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     err.Error(),
			ExecutionID: c.id,
			Name:        name,
		})
	}
	return fp, nil
}

// reserve checks name uniqueness and the quota, then takes the next seq.
// No fresh work starts once the attempt's context is done.
func (c *Context) reserve(key ir.CallKey) (int64, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, c.poison(err)
	}
	if c.names.used(key) {
		return 0, c.poison(NewDuplicateNameError(c.id, key))
	}
	if err := c.quota.Check(c.id); err != nil {
		return 0, c.poison(err)
	}
	return c.clock.next(), nil
}

func (c *Context) startSpan(key ir.CallKey, seq int64, replayed bool) (context.Context, trace.Span) {
	return c.engine.tracer.Start(c.ctx, spanName(key.Kind),
		trace.WithAttributes(
			attribute.String("durable.execution_id", string(c.id)),
			attribute.String("durable.name", key.Name),
			attribute.Int64("durable.seq", seq),
			attribute.Bool("durable.replayed", replayed),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// record resolves one Step or Invoke call against the cursor, or runs it
// fresh via exec and appends the outcome.
func (c *Context) record(kind ir.EntryKind, name string, inputs any, exec func(ctx context.Context) outcome) (json.RawMessage, error) {
	if c.fatal != nil {
		return nil, c.fatal
	}
	release, err := c.enter(kind, name)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.admit(kind, name); err != nil {
		return nil, err
	}
	key := ir.CallKey{Kind: kind, Name: name}
	fp, err := c.fingerprint(name, inputs)
	if err != nil {
		return nil, err
	}

	if entry, ok := c.cursor.peek(); ok {
		return c.replay(key, fp, entry)
	}

	seq, err := c.reserve(key)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(key, seq, false)
	defer span.End()

	return c.commit(key, fp, seq, exec(ctx), span)
}

// commit appends the outcome of a fresh call at seq. Nothing is written if
// the attempt was poisoned or a nested call was refused while it ran.
func (c *Context) commit(key ir.CallKey, fp string, seq int64, out outcome, span trace.Span) (json.RawMessage, error) {
	if nested := c.nested.Load(); nested != nil {
		out.abort = nested
	}
	if out.abort == nil && c.fatal != nil {
		out.abort = c.fatal
	}
	if out.abort != nil {
		span.RecordError(out.abort)
		span.SetStatus(codes.Error, out.abort.Error())
		return nil, c.poison(out.abort)
	}

	entry := ir.HistoryEntry{
		Seq:              seq,
		Kind:             key.Kind,
		Name:             key.Name,
		InputFingerprint: fp,
		Status:           ir.StatusCompleted,
		Output:           out.output,
		RecordedAt:       c.engine.now(),
	}
	if out.failure != nil {
		entry.Status = ir.StatusFailed
		entry.Output = nil
		entry.Error = out.failure
	}

	if err := c.engine.store.Append(c.ctx, c.id, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, c.poison(fmt.Errorf("append %s seq %d: %w", key, seq, err))
	}
	c.names.record(key, seq)

	c.engine.logger.Debug("history entry appended",
		"execution_id", c.id,
		"seq", seq,
		"kind", key.Kind,
		"name", key.Name,
		"status", entry.Status,
	)

	if out.failure != nil {
		span.SetStatus(codes.Error, out.failure.Message)
		return nil, callError(entry, false)
	}
	span.SetStatus(codes.Ok, "")
	return entry.Output, nil
}

// replay answers a call from the entry at the cursor.
func (c *Context) replay(key ir.CallKey, fp string, entry ir.HistoryEntry) (json.RawMessage, error) {
	if entry.Key() != key {
		return nil, c.poison(&NonDeterminismError{
			ExecutionID: c.id,
			Seq:         entry.Seq,
			Recorded:    entry.Key(),
			Requested:   key,
			Reason:      "call order changed",
		})
	}
	if entry.InputFingerprint != fp {
		return nil, c.poison(&NonDeterminismError{
			ExecutionID: c.id,
			Seq:         entry.Seq,
			Recorded:    entry.Key(),
			Requested:   key,
			Reason:      "inputs changed",
		})
	}

	switch entry.Status {
	case ir.StatusCompleted, ir.StatusFailed:
	case ir.StatusPending:
		return nil, c.poison(&RuntimeError{
			Code:        ErrCodeUnresolvedEntry,
			Message:     fmt.Sprintf("history entry %d is PENDING", entry.Seq),
			ExecutionID: c.id,
			Name:        key.Name,
		})
	default:
		return nil, c.poison(&RuntimeError{
			Code:        ErrCodeUnresolvedEntry,
			Message:     fmt.Sprintf("history entry %d has unknown status %q", entry.Seq, entry.Status),
			ExecutionID: c.id,
			Name:        key.Name,
		})
	}

	c.cursor.advance()
	c.names.record(key, entry.Seq)

	_, span := c.startSpan(key, entry.Seq, true)
	defer span.End()

	if entry.Status == ir.StatusFailed {
		span.SetStatus(codes.Error, entry.Error.Message)
		return nil, callError(entry, true)
	}
	span.SetStatus(codes.Ok, "")
	return entry.Output, nil
}

// callError builds the error orchestration code sees for a FAILED entry.
func callError(entry ir.HistoryEntry, replayed bool) error {
	failure := entry.Error
	if failure == nil {
		failure = &ir.EntryError{Message: "failed without detail"}
	}
	if entry.Kind == ir.KindInvoke {
		return &InvocationError{Name: entry.Name, Seq: entry.Seq, Replayed: replayed, Err: failure}
	}
	return &StepError{Name: entry.Name, Seq: entry.Seq, Replayed: replayed, Err: failure}
}

func spanName(kind ir.EntryKind) string {
	if kind == ir.KindInvoke {
		return "durable.invoke"
	}
	return "durable.step"
}
