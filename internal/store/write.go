package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/durable/internal/ir"
)

// Append adds entry to the end of an execution's history.
//
// entry.Seq must equal the current last seq + 1. Any other value fails with
// a *ir.ConflictError (errors.Is(err, ir.ErrConflict)) and nothing is written.
// A write that is never acknowledged may or may not have landed; callers
// recover by reloading history.
func (s *Store) Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	errJSON, err := marshalError(entry.Error)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM history WHERE execution_id = ?
	`, string(id)).Scan(&last); err != nil {
		return fmt.Errorf("append: read last seq: %w", err)
	}
	if entry.Seq != last+1 {
		return fmt.Errorf("append: %w", ir.NewSequenceConflict(id, last+1, entry.Seq))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history
		(execution_id, seq, kind, name, input_fingerprint, status, output, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(id),
		entry.Seq,
		string(entry.Kind),
		entry.Name,
		entry.InputFingerprint,
		string(entry.Status),
		nullJSON(entry.Output),
		errJSON,
		formatTime(recordedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("append: %w", ir.NewSequenceConflict(id, last+1, entry.Seq))
		}
		return fmt.Errorf("append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

// CreateExecution inserts a RUNNING record unless one already exists.
// Uses ON CONFLICT(id) DO NOTHING for idempotency; created reports whether
// this call inserted the row.
func (s *Store) CreateExecution(ctx context.Context, rec ir.ExecutionRecord) (bool, error) {
	if err := rec.ID.Validate(); err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = ir.ExecutionRunning
	}
	if !status.Valid() {
		return false, fmt.Errorf("create execution: unknown status %q", status)
	}

	now := s.now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
		(id, orchestration, event, event_fingerprint, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		string(rec.ID),
		rec.Orchestration,
		nullJSON(rec.Event),
		rec.EventFingerprint,
		string(status),
		formatTime(createdAt),
		formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	return n == 1, nil
}

// FinishExecution moves a RUNNING record to COMPLETED or FAILED.
// Returns ir.ErrNotFound if the record does not exist and ir.ErrConflict if
// it already reached a terminal status.
func (s *Store) FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish execution: status %q is not terminal", status)
	}
	errJSON, err := marshalError(failure)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING'
	`,
		string(status),
		nullJSON(result),
		errJSON,
		formatTime(s.now()),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, string(id)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("finish execution %s: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return fmt.Errorf("finish execution: %w", &ir.ConflictError{
		ExecutionID: id,
		Reason:      fmt.Sprintf("execution already %s", current),
	})
}
