package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/durable/internal/ir"
)

// Branch is one arm of a Parallel call. Inputs identify the branch's work
// the same way Step inputs do.
type Branch struct {
	Inputs any
	Fn     StepFunc
}

// BranchName is the step name branch i of the Parallel call name is
// recorded under.
func BranchName(name string, i int) string {
	return fmt.Sprintf("%s/%d", name, i)
}

// Parallel runs branches concurrently and records each outcome as a step
// named BranchName(name, i).
//
// Outcomes are appended in branch order once every fresh branch has
// returned, so history stays a sequence and replay resolves the group entry
// by entry. Branches already recorded are answered from history; only the
// rest run. A crash part way through the appends re-runs just the branches
// whose outcome never landed.
//
// The returned slice holds each branch's output, nil where the branch
// failed. The error joins every branch's *StepError in branch order.
// Branch functions must not call back into the Context.
func (c *Context) Parallel(name string, branches ...Branch) ([]json.RawMessage, error) {
	if c.fatal != nil {
		return nil, c.fatal
	}
	release, err := c.enter(ir.KindStep, name)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.admit(ir.KindStep, name); err != nil {
		return nil, err
	}
	if len(branches) == 0 {
		return nil, c.poison(&RuntimeError{
			Code:        ErrCodeInvalidCall,
			Message:     "parallel call requires at least one branch",
			ExecutionID: c.id,
			Name:        name,
		})
	}

	keys := make([]ir.CallKey, len(branches))
	fps := make([]string, len(branches))
	for i, b := range branches {
		keys[i] = ir.CallKey{Kind: ir.KindStep, Name: BranchName(name, i)}
		if b.Fn == nil {
			return nil, c.poison(&RuntimeError{
				Code:        ErrCodeInvalidCall,
				Message:     "parallel branch has no function",
				ExecutionID: c.id,
				Name:        keys[i].Name,
			})
		}
		if fps[i], err = c.fingerprint(keys[i].Name, b.Inputs); err != nil {
			return nil, err
		}
	}

	outputs := make([]json.RawMessage, len(branches))
	errs := make([]error, len(branches))

	fresh := 0
	for ; fresh < len(branches); fresh++ {
		entry, ok := c.cursor.peek()
		if !ok {
			break
		}
		outputs[fresh], errs[fresh] = c.replay(keys[fresh], fps[fresh], entry)
		if c.fatal != nil {
			return nil, c.fatal
		}
	}

	if fresh < len(branches) {
		c.logger.Debug("running parallel branches",
			"group", name,
			"replayed", fresh,
			"fresh", len(branches)-fresh,
		)
		err := c.runBranches(keys[fresh:], fps[fresh:], branches[fresh:], outputs[fresh:], errs[fresh:])
		if err != nil {
			return nil, err
		}
	}
	return outputs, errors.Join(errs...)
}

// runBranches runs fresh branches concurrently, then commits their
// outcomes in order. outputs and errs are filled per branch.
func (c *Context) runBranches(keys []ir.CallKey, fps []string, branches []Branch, outputs []json.RawMessage, errs []error) error {
	seqs := make([]int64, len(branches))
	for i, key := range keys {
		seq, err := c.reserve(key)
		if err != nil {
			return err
		}
		seqs[i] = seq
	}

	spans := make([]trace.Span, len(branches))
	defer func() {
		for _, span := range spans {
			if span != nil {
				span.End()
			}
		}
	}()

	results := make([]outcome, len(branches))
	panics := make([]any, len(branches))
	var g errgroup.Group
	for i, b := range branches {
		ctx, span := c.startSpan(keys[i], seqs[i], false)
		spans[i] = span
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panics[i] = r
				}
			}()
			results[i] = c.runStep(ctx, keys[i].Name, b.Fn)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range panics {
		if p != nil {
			panic(fmt.Sprintf("parallel branch %s: %v", keys[i].Name, p))
		}
	}

	for i := range branches {
		outputs[i], errs[i] = c.commit(keys[i], fps[i], seqs[i], results[i], spans[i])
		if c.fatal != nil {
			return c.fatal
		}
	}
	return nil
}
