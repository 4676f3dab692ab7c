package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// Target is an external compute unit reachable through Invoke.
//
// Targets must tolerate duplicate delivery: a crash between the remote
// completion and the local append replays the dispatch. Return an error
// wrapped with Transient for retryable failures; any other error is
// permanent and recorded on the first attempt.
type Target interface {
	Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Invoke calls f.
func (f TargetFunc) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Invoke dispatches payload to target and records the final outcome under
// name. Transient failures are retried per the engine's RetryPolicy inside
// this one call; only the last outcome reaches history. A permanent failure
// or exhausted retries surface as *InvocationError.
func (c *Context) Invoke(name string, target Target, payload any) (json.RawMessage, error) {
	body, err := encodeOutput(payload)
	if err != nil {
		return nil, c.poison(&RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     fmt.Sprintf("invoke payload: %v", err),
			ExecutionID: c.id,
			Name:        name,
		})
	}
	return c.record(ir.KindInvoke, name, body, func(ctx context.Context) outcome {
		return c.engine.dispatch(ctx, c.id, name, target, body)
	})
}

// InvokeFunction is Invoke against a target registered with WithTarget.
// The function name is part of the fingerprint, so re-pointing a call site
// at a different function is detected on replay.
func (c *Context) InvokeFunction(name, function string, payload any) (json.RawMessage, error) {
	target, ok := c.engine.targets[function]
	if !ok {
		return nil, c.poison(&RuntimeError{
			Code:        ErrCodeUnknownTarget,
			Message:     fmt.Sprintf("no target registered as %q", function),
			ExecutionID: c.id,
			Name:        name,
		})
	}
	body, err := encodeOutput(payload)
	if err != nil {
		return nil, c.poison(&RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     fmt.Sprintf("invoke payload: %v", err),
			ExecutionID: c.id,
			Name:        name,
		})
	}
	inputs := map[string]any{"function": function, "payload": body}
	return c.record(ir.KindInvoke, name, inputs, func(ctx context.Context) outcome {
		return c.engine.dispatch(ctx, c.id, name, target, body)
	})
}

// Invoke is the typed form of Context.Invoke.
func Invoke[O any](c *Context, name string, target Target, payload any) (O, error) {
	raw, err := c.Invoke(name, target, payload)
	if err != nil {
		var zero O
		return zero, err
	}
	return decodeOutput[O](c, name, raw)
}

// dispatch is the Invocation Gateway: bounded retries of one logical call.
func (e *Engine) dispatch(ctx context.Context, id ir.ExecutionID, name string, target Target, payload json.RawMessage) outcome {
	maxAttempts := e.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return outcome{abort: abortCause(ctx, err)}
			}
		}

		resp, err := e.dispatchOnce(ctx, target, payload)
		if err == nil {
			if len(resp) == 0 {
				resp = json.RawMessage("null")
			}
			if !json.Valid(resp) {
				return outcome{failure: &ir.EntryError{
					Message:  "target returned invalid JSON",
					Type:     failurePermanent,
					Attempts: attempt,
				}}
			}
			return outcome{output: resp}
		}

		// The whole attempt was canceled, not just this dispatch.
		if ctx.Err() != nil {
			return outcome{abort: ctx.Err()}
		}

		if !IsTransient(err) {
			return outcome{failure: &ir.EntryError{
				Message:  err.Error(),
				Type:     failurePermanent,
				Attempts: attempt,
			}}
		}
		if attempt >= maxAttempts {
			return outcome{failure: &ir.EntryError{
				Message:  err.Error(),
				Type:     failureTransient,
				Attempts: attempt,
			}}
		}

		var delay time.Duration
		if e.retry.Backoff != nil {
			delay = e.retry.Backoff.Delay(attempt)
		}
		e.logger.Warn("invoke attempt failed, retrying",
			"execution_id", id,
			"name", name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return outcome{abort: err}
		}
	}
}

// dispatchOnce performs one dispatch under the per-attempt timeout.
// A panicking target is reported as a permanent failure.
func (e *Engine) dispatchOnce(ctx context.Context, target Target, payload json.RawMessage) (resp json.RawMessage, err error) {
	if e.retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.retry.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("target panicked: %v", r)
		}
	}()
	return target.Invoke(ctx, payload)
}

func abortCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
