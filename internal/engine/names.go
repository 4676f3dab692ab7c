package engine

import "github.com/roach88/durable/internal/ir"

// nameTracker remembers every (kind, name) resolved in one attempt,
// replayed or fresh.
//
// Names must be unique per kind along one execution path; a second fresh
// call with a used key would make the next replay ambiguous. This is the
// durable analogue of per-flow cycle detection: it is in-memory, scoped to
// one attempt, and rebuilt from scratch on every replay.
type nameTracker struct {
	seen map[ir.CallKey]int64 // key -> seq that resolved it
}

func newNameTracker() *nameTracker {
	return &nameTracker{seen: make(map[ir.CallKey]int64)}
}

// used reports whether key was already resolved this attempt.
func (n *nameTracker) used(key ir.CallKey) bool {
	_, ok := n.seen[key]
	return ok
}

// record marks key as resolved at seq.
func (n *nameTracker) record(key ir.CallKey, seq int64) {
	n.seen[key] = seq
}

// size returns the number of distinct keys resolved.
func (n *nameTracker) size() int {
	return len(n.seen)
}
