package ir

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every History Store implementation.
var (
	// ErrConflict is returned when an append does not extend the log by exactly
	// one sequence, or when a terminal status transition loses a race.
	ErrConflict = errors.New("history conflict")

	// ErrNotFound is returned when an ExecutionID has no ExecutionRecord.
	ErrNotFound = errors.New("execution not found")
)

// ConflictError describes a rejected optimistic append.
// errors.Is(err, ErrConflict) holds for every ConflictError.
type ConflictError struct {
	ExecutionID ExecutionID
	Expected    int64 // the only sequence the store would have accepted
	Actual      int64 // the sequence the caller attempted
	Reason      string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("history conflict on %s: %s", e.ExecutionID, e.Reason)
	}
	return fmt.Sprintf("history conflict on %s: expected seq %d, got %d", e.ExecutionID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewSequenceConflict builds the error for an out-of-order append.
func NewSequenceConflict(id ExecutionID, expected, actual int64) *ConflictError {
	return &ConflictError{ExecutionID: id, Expected: expected, Actual: actual}
}

// IsConflict reports whether err is (or wraps) a history conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
