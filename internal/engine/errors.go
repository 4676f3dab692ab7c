package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/durable/internal/ir"
)

// RuntimeError represents a fatal error detected by the engine itself.
//
// Runtime errors include:
//   - Duplicate name: a fresh call reused a (kind, name) already seen this attempt
//   - Unresolved entry: replay reached a PENDING entry
//   - Quota exceeded: history grew past the configured entry limit
//   - Conflict: conflict retries were exhausted
//
// A RuntimeError poisons the Context that raised it and leaves the
// ExecutionRecord RUNNING.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the affected execution.
	ExecutionID ir.ExecutionID

	// Name is the call-site name, when the error concerns one call.
	Name string

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeNonDeterminism is reported for *NonDeterminismError.
	ErrCodeNonDeterminism RuntimeErrorCode = "NON_DETERMINISM"

	// ErrCodeDuplicateName indicates a (kind, name) pair was used twice.
	ErrCodeDuplicateName RuntimeErrorCode = "DUPLICATE_NAME"

	// ErrCodeUnresolvedEntry indicates replay reached a PENDING entry.
	ErrCodeUnresolvedEntry RuntimeErrorCode = "UNRESOLVED_ENTRY"

	// ErrCodeQuotaExceeded indicates the history exceeded max entries.
	ErrCodeQuotaExceeded RuntimeErrorCode = "QUOTA_EXCEEDED"

	// ErrCodeConflict indicates conflict retries were exhausted.
	ErrCodeConflict RuntimeErrorCode = "CONFLICT"

	// ErrCodeInvalidCall indicates a call the engine cannot record
	// (empty name, unserializable inputs or outputs).
	ErrCodeInvalidCall RuntimeErrorCode = "INVALID_CALL"

	// ErrCodeContextClosed indicates a call on a Context whose attempt ended.
	ErrCodeContextClosed RuntimeErrorCode = "CONTEXT_CLOSED"

	// ErrCodeUnknownOrchestration indicates a name missing from the registry.
	ErrCodeUnknownOrchestration RuntimeErrorCode = "UNKNOWN_ORCHESTRATION"

	// ErrCodeUnknownTarget indicates InvokeFunction named an unregistered target.
	ErrCodeUnknownTarget RuntimeErrorCode = "UNKNOWN_TARGET"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.ExecutionID != "" && e.Name != "" {
		return fmt.Sprintf("%s: %s (execution=%s, name=%s)", e.Code, e.Message, e.ExecutionID, e.Name)
	}
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, e.Message, e.ExecutionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDuplicateNameError creates a RuntimeError for a reused call name.
func NewDuplicateNameError(id ir.ExecutionID, key ir.CallKey) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeDuplicateName,
		Message:     fmt.Sprintf("%s already used in this execution", key),
		ExecutionID: id,
		Name:        key.Name,
		Details:     map[string]string{"kind": string(key.Kind)},
	}
}

// NewQuotaError creates a RuntimeError for quota exceeded.
func NewQuotaError(id ir.ExecutionID, entries, maxEntries int) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeQuotaExceeded,
		Message:     fmt.Sprintf("execution exceeded max entries (%d > %d)", entries, maxEntries),
		ExecutionID: id,
		Details: map[string]string{
			"entries":     fmt.Sprintf("%d", entries),
			"max_entries": fmt.Sprintf("%d", maxEntries),
		},
	}
}

// IsQuotaError returns true if the error is a quota exceeded error.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsDuplicateNameError returns true if err is a DUPLICATE_NAME RuntimeError.
func IsDuplicateNameError(err error) bool {
	return hasCode(err, ErrCodeDuplicateName)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NonDeterminismError reports that replay diverged from recorded history.
//
// It is always fatal: the attempt aborts, nothing is appended, and the
// execution stays RUNNING so a corrected deployment can resume it.
type NonDeterminismError struct {
	ExecutionID ir.ExecutionID
	Seq         int64      // history position that diverged; 0 for the event
	Recorded    ir.CallKey // what history holds at Seq
	Requested   ir.CallKey // what the orchestration asked for
	Reason      string
}

func (e *NonDeterminismError) Error() string {
	if e.Seq == 0 {
		return fmt.Sprintf("non-determinism in %s: %s", e.ExecutionID, e.Reason)
	}
	if e.Requested.Kind == "" {
		return fmt.Sprintf("non-determinism in %s at seq %d: %s (recorded %s)",
			e.ExecutionID, e.Seq, e.Reason, e.Recorded)
	}
	return fmt.Sprintf("non-determinism in %s at seq %d: %s (recorded %s, requested %s)",
		e.ExecutionID, e.Seq, e.Reason, e.Recorded, e.Requested)
}

// IsNonDeterminism reports whether err is (or wraps) a *NonDeterminismError.
func IsNonDeterminism(err error) bool {
	var nd *NonDeterminismError
	return errors.As(err, &nd)
}

// StepError is a FAILED step outcome returned to orchestration code.
//
// The same StepError is produced on the original run and on every replay,
// built from the stored ir.EntryError, so orchestration code that inspects
// it branches identically each time.
type StepError struct {
	Name     string
	Seq      int64
	Replayed bool
	Err      *ir.EntryError
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.Name, e.Err.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// InvocationError is a FAILED invoke outcome: a permanent target error or
// exhausted transient retries.
type InvocationError struct {
	Name     string
	Seq      int64
	Replayed bool
	Err      *ir.EntryError
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %q failed after %d attempt(s): %s", e.Name, e.Err.Attempts, e.Err.Message)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Attempts is the number of dispatches made before the outcome was recorded.
func (e *InvocationError) Attempts() int {
	return e.Err.Attempts
}

// Exhausted reports whether the call failed because retries ran out.
func (e *InvocationError) Exhausted() bool {
	return e.Err.Type == failureTransient
}

// ExecutionFailedError is returned by Run for an execution whose record is
// FAILED, both when the failure happens and on every later Run of that id.
type ExecutionFailedError struct {
	ExecutionID ir.ExecutionID
	Err         *ir.EntryError
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution %s failed: %s", e.ExecutionID, e.Err.Message)
}

func (e *ExecutionFailedError) Unwrap() error {
	return e.Err
}

// IsExecutionFailed reports whether err is (or wraps) an *ExecutionFailedError.
func IsExecutionFailed(err error) bool {
	var ef *ExecutionFailedError
	return errors.As(err, &ef)
}

// TransientError marks a target failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the Invocation Gateway retries it.
// Returns nil for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether a target error should be retried.
// Explicit TransientError wrappers and per-attempt deadlines qualify.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Failure types stored in ir.EntryError.Type.
const (
	failureStep      = "step"
	failurePermanent = "permanent"
	failureTransient = "transient"
	failureError     = "error"
	failurePanic     = "panic"
)

// ErrorCode maps an engine error to a stable code for CLI and log output.
// Returns "" for nil and "ERROR" for anything unclassified.
func ErrorCode(err error) string {
	var (
		re *RuntimeError
		nd *NonDeterminismError
		ef *ExecutionFailedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return string(re.Code)
	case errors.As(err, &nd):
		return string(ErrCodeNonDeterminism)
	case errors.As(err, &ef):
		return "EXECUTION_FAILED"
	case ir.IsConflict(err):
		return string(ErrCodeConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELED"
	}
	return "ERROR"
}
