package ir

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode"
)

// MaxExecutionIDLength bounds ExecutionID size so it fits any store's key column.
const MaxExecutionIDLength = 256

// ExecutionID identifies one logical run of an orchestration function.
// Assigned once at first invocation and immutable for the run's lifetime.
type ExecutionID string

// String returns the id as a plain string.
func (id ExecutionID) String() string {
	return string(id)
}

// Validate checks that the id is non-empty, bounded, and printable.
func (id ExecutionID) Validate() error {
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	if len(id) > MaxExecutionIDLength {
		return fmt.Errorf("execution id exceeds %d bytes", MaxExecutionIDLength)
	}
	for _, r := range string(id) {
		if unicode.IsControl(r) {
			return fmt.Errorf("execution id contains control character %U", r)
		}
	}
	return nil
}

// EntryKind distinguishes memoized steps from external invocations.
type EntryKind string

const (
	KindStep   EntryKind = "STEP"
	KindInvoke EntryKind = "INVOKE"
)

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	return k == KindStep || k == KindInvoke
}

// EntryStatus is the outcome recorded for one history entry.
type EntryStatus string

const (
	// StatusPending is reserved for suspended calls (waits, callbacks).
	// The engine never writes it; replay treats it as unresolved.
	StatusPending   EntryStatus = "PENDING"
	StatusCompleted EntryStatus = "COMPLETED"
	StatusFailed    EntryStatus = "FAILED"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle status of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionRunning, ExecutionCompleted, ExecutionFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// EntryError is the serialized form of a failure stored in history or on
// a terminal ExecutionRecord.
type EntryError struct {
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`     // "step", "permanent", "transient", "panic", ...
	Attempts int    `json:"attempts,omitempty"` // dispatch attempts for INVOKE failures
}

// Error implements the error interface so stored failures can be re-raised.
func (e *EntryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// CallKey is the (kind, name) pair a call site is matched by during replay.
type CallKey struct {
	Kind EntryKind
	Name string
}

// String formats the key as KIND:name.
func (k CallKey) String() string {
	return string(k.Kind) + ":" + k.Name
}

// HistoryEntry is one append-only record in an execution's history.
type HistoryEntry struct {
	Seq              int64           `json:"seq"` // 1-based, contiguous per execution
	Kind             EntryKind       `json:"kind"`
	Name             string          `json:"name"`
	InputFingerprint string          `json:"input_fingerprint"`
	Status           EntryStatus     `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            *EntryError     `json:"error,omitempty"`
	RecordedAt       time.Time       `json:"recorded_at"`
}

// Key returns the entry's replay key.
func (e HistoryEntry) Key() CallKey {
	return CallKey{Kind: e.Kind, Name: e.Name}
}

// Validate checks structural invariants of a single entry.
// Ordering against other entries is the store's responsibility.
func (e HistoryEntry) Validate() error {
	if e.Seq < 1 {
		return fmt.Errorf("entry seq must be >= 1, got %d", e.Seq)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("entry %d: unknown kind %q", e.Seq, e.Kind)
	}
	if e.Name == "" {
		return fmt.Errorf("entry %d: name is required", e.Seq)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("entry %d: unknown status %q", e.Seq, e.Status)
	}
	switch e.Status {
	case StatusCompleted:
		if e.Error != nil {
			return fmt.Errorf("entry %d: completed entry carries an error", e.Seq)
		}
	case StatusFailed:
		if e.Error == nil {
			return fmt.Errorf("entry %d: failed entry is missing its error", e.Seq)
		}
	}
	return nil
}

// ExecutionRecord is the engine-owned view of one execution.
// History is loaded separately from the History Store.
type ExecutionRecord struct {
	ID               ExecutionID     `json:"execution_id"`
	Orchestration    string          `json:"orchestration,omitempty"`
	Event            json.RawMessage `json:"event,omitempty"`
	EventFingerprint string          `json:"event_fingerprint"`
	Status           ExecutionStatus `json:"status"`
	History          []HistoryEntry  `json:"history,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *EntryError     `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LastSeq returns the highest sequence in History, or 0 when empty.
func (r ExecutionRecord) LastSeq() int64 {
	if len(r.History) == 0 {
		return 0
	}
	return r.History[len(r.History)-1].Seq
}

// EncodeEntryError serializes e for a store's error column.
// A nil error encodes to nil so the column stays NULL.
func EncodeEntryError(e *EntryError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry error: %w", err)
	}
	return data, nil
}

// DecodeEntryError is the inverse of EncodeEntryError.
func DecodeEntryError(data []byte) (*EntryError, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var e EntryError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry error: %w", err)
	}
	return &e, nil
}
