package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// CountingTarget is an in-process invocation target that records every
// dispatch it receives. It satisfies engine.Target structurally.
//
// Respond decides the outcome of call n (1-based). When Respond is nil the
// payload is echoed back.
//
// Thread-safety: safe for concurrent use via internal mutex.
type CountingTarget struct {
	Respond func(call int, payload json.RawMessage) (json.RawMessage, error)

	mu       sync.Mutex
	payloads []json.RawMessage
}

// Invoke records payload and answers via Respond.
func (t *CountingTarget) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	cp := append(json.RawMessage(nil), payload...)
	t.payloads = append(t.payloads, cp)
	call := len(t.payloads)
	respond := t.Respond
	t.mu.Unlock()

	if respond == nil {
		return cp, nil
	}
	return respond(call, cp)
}

// Calls returns how many dispatches the target has received.
func (t *CountingTarget) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.payloads)
}

// Payloads returns a copy of every payload received, in order.
func (t *CountingTarget) Payloads() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, len(t.payloads))
	copy(out, t.payloads)
	return out
}

// Counter counts side effects by name. Step functions bump it so tests
// can assert a step body ran exactly once across crashes and replays.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
	total  atomic.Int64
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

// Inc records one side effect under name and returns the new count.
func (c *Counter) Inc(name string) int {
	c.total.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
	return c.counts[name]
}

// Get returns the count for name.
func (c *Counter) Get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Total returns the count across all names.
func (c *Counter) Total() int {
	return int(c.total.Load())
}

// Snapshot returns a copy of all counts.
func (c *Counter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
