package engine

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/roach88/durable/internal/backoff"
)

// Defaults applied by New.
const (
	DefaultMaxAttempts        = 3
	DefaultConflictRetries    = 3
	DefaultRecoverConcurrency = 4
)

// RetryPolicy bounds the Invocation Gateway's handling of transient errors.
// Retries happen inside one logical call and never create history entries.
type RetryPolicy struct {
	// MaxAttempts is the total number of dispatches, including the first.
	MaxAttempts int

	// Backoff computes the delay before retry n (1-based).
	Backoff backoff.Strategy

	// AttemptTimeout bounds each dispatch. Zero means no per-attempt
	// deadline. An attempt that hits it counts as transient.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     backoff.DefaultStrategy(),
	}
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithLogger sets the engine logger. Orchestration loggers derive from it.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIDGenerator sets the generator Start uses for new executions.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow overrides the wall clock used for HistoryEntry.RecordedAt.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithMaxAttempts sets the dispatch ceiling per invoke.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.retry.MaxAttempts = n
	}
}

// WithBackoff sets the delay strategy between invoke retries.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) {
		e.retry.Backoff = s
	}
}

// WithInvokeTimeout bounds each dispatch attempt.
func WithInvokeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.retry.AttemptTimeout = d
	}
}

// WithInvokeRateLimit throttles dispatches across all executions of this
// engine. Every attempt, including retries, waits for a token.
func WithInvokeRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMaxEntries sets the history quota per execution.
//
// Default: 1000 entries (DefaultMaxEntries). Zero disables the quota.
func WithMaxEntries(n int) Option {
	return func(e *Engine) {
		e.maxEntries = n
	}
}

// WithConflictRetries sets how many times Run reloads and re-runs after an
// append conflict before giving up with a CONFLICT RuntimeError.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		e.conflictRetries = n
	}
}

// WithRecoverConcurrency bounds how many executions Recover resumes at once.
func WithRecoverConcurrency(n int) Option {
	return func(e *Engine) {
		e.recoverConcurrency = n
	}
}

// WithReplayLogging keeps orchestration log records emitted while replaying.
// By default they are dropped so a resumed execution does not repeat its logs.
func WithReplayLogging(enabled bool) Option {
	return func(e *Engine) {
		e.replayLogging = enabled
	}
}

// WithTarget registers a named invocation target for Context.InvokeFunction.
func WithTarget(name string, t Target) Option {
	return func(e *Engine) {
		e.targets[name] = t
	}
}
