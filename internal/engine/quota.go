package engine

import "github.com/roach88/durable/internal/ir"

// DefaultMaxEntries is the default maximum number of history entries per
// execution. It stops a looping orchestration from growing its log forever.
const DefaultMaxEntries = 1000

// QuotaEnforcer counts the history entries of one attempt and enforces
// the per-execution limit.
//
// Replayed entries count too: the quota bounds the log, not the attempt.
// A limit of zero or less disables enforcement.
type QuotaEnforcer struct {
	maxEntries int
	current    int
}

// NewQuotaEnforcer creates an enforcer that already accounts for the
// entries loaded from history.
func NewQuotaEnforcer(maxEntries, loaded int) *QuotaEnforcer {
	return &QuotaEnforcer{maxEntries: maxEntries, current: loaded}
}

// Check reserves room for one more fresh entry.
// Returns a QUOTA_EXCEEDED RuntimeError once the limit would be passed.
func (q *QuotaEnforcer) Check(id ir.ExecutionID) error {
	if q.maxEntries <= 0 {
		return nil
	}
	if q.current+1 > q.maxEntries {
		return NewQuotaError(id, q.current+1, q.maxEntries)
	}
	q.current++
	return nil
}

// Current returns the number of entries accounted for.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxEntries returns the configured limit.
func (q *QuotaEnforcer) MaxEntries() int {
	return q.maxEntries
}
