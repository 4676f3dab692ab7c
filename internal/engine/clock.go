package engine

import "sync/atomic"

// seqClock stamps fresh history entries during one attempt.
//
// It starts at the last replayed seq so the first fresh call is stamped
// last+1. Replayed calls never advance it, and wall time never orders
// anything.
type seqClock struct {
	last atomic.Int64
}

func newSeqClock(last int64) *seqClock {
	c := &seqClock{}
	c.last.Store(last)
	return c
}

// next reserves the seq for a fresh entry.
func (c *seqClock) next() int64 {
	return c.last.Add(1)
}

// current is the last seq handed out, or the starting point.
func (c *seqClock) current() int64 {
	return c.last.Load()
}
