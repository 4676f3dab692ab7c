package demo

import (
	"sync"
)

// StatusUpdate is one write to the order ledger.
type StatusUpdate struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Ledger is the in-process order table the order steps write to. Every
// write is a side effect, so tests read it to prove a step body ran once.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Ledger struct {
	mu      sync.Mutex
	updates map[string][]StatusUpdate
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{updates: make(map[string][]StatusUpdate)}
}

// SetStatus appends a status update for orderID.
func (l *Ledger) SetStatus(orderID, status, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates[orderID] = append(l.updates[orderID], StatusUpdate{Status: status, Reason: reason})
}

// Updates returns every update written for orderID, oldest first.
func (l *Ledger) Updates(orderID string) []StatusUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StatusUpdate, len(l.updates[orderID]))
	copy(out, l.updates[orderID])
	return out
}

// Status returns the latest status for orderID, or "".
func (l *Ledger) Status(orderID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.updates[orderID]
	if len(u) == 0 {
		return ""
	}
	return u[len(u)-1].Status
}

// Count returns how many times status was written for orderID.
func (l *Ledger) Count(orderID, status string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, u := range l.updates[orderID] {
		if u.Status == status {
			n++
		}
	}
	return n
}

// Orders returns the latest status of every order, keyed by order id.
func (l *Ledger) Orders() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.updates))
	for id, u := range l.updates {
		if len(u) > 0 {
			out[id] = u[len(u)-1].Status
		}
	}
	return out
}

// Writes counts every write, keyed by "<order id>/<status>".
func (l *Ledger) Writes() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int)
	for id, updates := range l.updates {
		for _, u := range updates {
			out[id+"/"+u.Status]++
		}
	}
	return out
}
