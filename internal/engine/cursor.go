package engine

import "github.com/roach88/durable/internal/ir"

// replayCursor is a read-only pointer into the history loaded at the start
// of an attempt. It advances by one per call resolved from history and is
// never persisted.
type replayCursor struct {
	history []ir.HistoryEntry
	pos     int
}

func newReplayCursor(history []ir.HistoryEntry) *replayCursor {
	return &replayCursor{history: history}
}

// peek returns the next unconsumed entry.
func (c *replayCursor) peek() (ir.HistoryEntry, bool) {
	if c.pos >= len(c.history) {
		return ir.HistoryEntry{}, false
	}
	return c.history[c.pos], true
}

// advance consumes the entry returned by peek.
func (c *replayCursor) advance() {
	if c.pos < len(c.history) {
		c.pos++
	}
}

// remaining is the number of unconsumed entries.
func (c *replayCursor) remaining() int {
	return len(c.history) - c.pos
}

// position is the number of consumed entries.
func (c *replayCursor) position() int {
	return c.pos
}

// lastSeq is the seq of the final loaded entry, or 0.
func (c *replayCursor) lastSeq() int64 {
	if len(c.history) == 0 {
		return 0
	}
	return c.history[len(c.history)-1].Seq
}
