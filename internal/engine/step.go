package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/durable/internal/ir"
)

// StepFunc is the unit of work behind a step. Its result must be
// JSON-serializable; it is recorded once and returned verbatim on replay.
type StepFunc func(ctx context.Context) (any, error)

// Step runs fn at most once per execution under name.
//
// inputs identify the work: they are fingerprinted and must be identical on
// every replay of this call site. The return value is the JSON encoding of
// fn's result. A failing fn is recorded as FAILED and surfaces as a
// *StepError, both now and on every replay.
func (c *Context) Step(name string, inputs any, fn StepFunc) (json.RawMessage, error) {
	return c.record(ir.KindStep, name, inputs, func(ctx context.Context) outcome {
		return c.runStep(ctx, name, fn)
	})
}

// runStep calls fn and turns its result into the outcome to record.
func (c *Context) runStep(ctx context.Context, name string, fn StepFunc) outcome {
	value, err := fn(ctx)
	if err != nil {
		if ctxErr := c.ctx.Err(); ctxErr != nil {
			return outcome{abort: ctxErr}
		}
		return outcome{failure: &ir.EntryError{Message: err.Error(), Type: failureStep}}
	}
	out, err := encodeOutput(value)
	if err != nil {
		return outcome{abort: &RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     fmt.Sprintf("step result: %v", err),
			ExecutionID: c.id,
			Name:        name,
		}}
	}
	return outcome{output: out}
}

// Step is the typed form of Context.Step: fn receives in, and its result is
// decoded back into O on both fresh and replayed calls, so orchestration
// code sees the same value either way.
func Step[I, O any](c *Context, name string, in I, fn func(ctx context.Context, in I) (O, error)) (O, error) {
	var zero O
	raw, err := c.Step(name, in, func(ctx context.Context) (any, error) {
		return fn(ctx, in)
	})
	if err != nil {
		return zero, err
	}
	return decodeOutput[O](c, name, raw)
}

// encodeOutput turns a step or orchestration result into JSON.
// json.RawMessage passes through after validation.
func encodeOutput(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func decodeOutput[O any](c *Context, name string, raw json.RawMessage) (O, error) {
	var out O
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, c.poison(&RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     fmt.Sprintf("decode recorded output into %T: %v", out, err),
			ExecutionID: c.id,
			Name:        name,
		})
	}
	return out, nil
}
