package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first instant a StepClock reports.
var DefaultEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// StepClock is a deterministic wall clock for recordedAt timestamps.
//
// Each call to Now advances by a fixed step, so two runs of the same
// scenario stamp identical times and golden files stay byte-stable.
// Reset rewinds to the start for test reuse.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	ticks int64
}

// NewStepClock creates a clock at start that advances by step per Now.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{start: start, step: step}
}

// NewDeterministicClock creates a StepClock at DefaultEpoch advancing one
// second per call.
func NewDeterministicClock() *StepClock {
	return NewStepClock(DefaultEpoch, time.Second)
}

// Now returns the current instant and advances the clock.
// The first call returns start.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.ticks) * c.step)
	c.ticks++
	return t
}

// Ticks returns how many times Now has been called.
func (c *StepClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock. After Reset, Now returns start again.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
