package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/durable/internal/ir"
)

// Load returns the full history of an execution ordered by seq.
func (s *Store) Load(ctx context.Context, id ir.ExecutionID) ([]ir.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, name, input_fingerprint, status, output, error, recorded_at
		FROM durable_history
		WHERE execution_id = $1
		ORDER BY seq ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	entries := []ir.HistoryEntry{}
	for rows.Next() {
		var (
			entry   ir.HistoryEntry
			kind    string
			status  string
			output  sql.NullString
			errJSON sql.NullString
		)
		if err := rows.Scan(&entry.Seq, &kind, &entry.Name, &entry.InputFingerprint, &status, &output, &errJSON, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("load history: scan: %w", err)
		}
		entry.Kind = ir.EntryKind(kind)
		entry.Status = ir.EntryStatus(status)
		entry.Output = rawJSON(output)
		if entry.Error, err = decodeError(errJSON); err != nil {
			return nil, fmt.Errorf("load history: entry %d: %w", entry.Seq, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: iterate: %w", err)
	}
	return entries, nil
}

// Append adds entry if entry.Seq is exactly one past the stored maximum.
// Two transactions racing on the same seq both pass the MAX check under
// READ COMMITTED; the primary key rejects the loser with 23505.
func (s *Store) Append(ctx context.Context, id ir.ExecutionID, entry ir.HistoryEntry) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	errJSON, err := encodeError(entry.Error)
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
		SELECT COALESCE(MAX(seq), 0) FROM durable_history WHERE execution_id = $1
	`, string(id)).Scan(&last); err != nil {
		return fmt.Errorf("append: read last seq: %w", err)
	}
	if entry.Seq != last+1 {
		return fmt.Errorf("append: %w", ir.NewSequenceConflict(id, last+1, entry.Seq))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO durable_history
		(execution_id, seq, kind, name, input_fingerprint, status, output, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		string(id),
		entry.Seq,
		string(entry.Kind),
		entry.Name,
		entry.InputFingerprint,
		string(entry.Status),
		nullJSON(entry.Output),
		errJSON,
		recordedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append: %w", ir.NewSequenceConflict(id, last+1, entry.Seq))
		}
		return fmt.Errorf("append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append: %w", ir.NewSequenceConflict(id, last+1, entry.Seq))
		}
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

// CreateExecution inserts a RUNNING record unless one already exists.
func (s *Store) CreateExecution(ctx context.Context, rec ir.ExecutionRecord) (bool, error) {
	if err := rec.ID.Validate(); err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = ir.ExecutionRunning
	}
	now := s.now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO durable_executions
		(id, orchestration, event, event_fingerprint, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		string(rec.ID),
		rec.Orchestration,
		nullJSON(rec.Event),
		rec.EventFingerprint,
		string(status),
		createdAt.UTC(),
		now,
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

// GetExecution returns the record for id without its history.
func (s *Store) GetExecution(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM durable_executions WHERE id = $1`, string(id))
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// FinishExecution moves a RUNNING record to COMPLETED or FAILED.
func (s *Store) FinishExecution(ctx context.Context, id ir.ExecutionID, status ir.ExecutionStatus, result json.RawMessage, failure *ir.EntryError) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish execution: status %q is not terminal", status)
	}
	errJSON, err := encodeError(failure)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}

	var (
		updated bool
		current string
	)
	err = s.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE durable_executions
			SET status = $1, result = $2, error = $3, updated_at = $4
			WHERE id = $5 AND status = 'RUNNING'
			RETURNING status
		)
		SELECT true, status FROM updated
		UNION ALL
		SELECT false, status FROM durable_executions
		WHERE id = $5 AND NOT EXISTS (SELECT 1 FROM updated)
	`,
		string(status),
		nullJSON(result),
		errJSON,
		s.now().UTC(),
		string(id),
	).Scan(&updated, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("finish execution %s: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if !updated {
		return fmt.Errorf("finish execution: %w", &ir.ConflictError{
			ExecutionID: id,
			Reason:      fmt.Sprintf("execution already %s", current),
		})
	}
	return nil
}

// ListExecutions returns records with the given status (all when empty).
func (s *Store) ListExecutions(ctx context.Context, status ir.ExecutionStatus) ([]ir.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM durable_executions
		WHERE $1 = '' OR status = $1
		ORDER BY created_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	records := []ir.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: iterate: %w", err)
	}
	return records, nil
}

const executionColumns = `id, orchestration, event, event_fingerprint, status, result, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (ir.ExecutionRecord, error) {
	var (
		rec       ir.ExecutionRecord
		id        string
		status    string
		event     sql.NullString
		result    sql.NullString
		errJSON   sql.NullString
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &rec.Orchestration, &event, &rec.EventFingerprint, &status, &result, &errJSON, &createdAt, &updatedAt); err != nil {
		return ir.ExecutionRecord{}, err
	}
	rec.ID = ir.ExecutionID(id)
	rec.Status = ir.ExecutionStatus(status)
	rec.Event = rawJSON(event)
	rec.Result = rawJSON(result)
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()

	var err error
	if rec.Error, err = decodeError(errJSON); err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, err)
	}
	return rec, nil
}

func nullJSON(data json.RawMessage) sql.NullString {
	if len(data) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func encodeError(e *ir.EntryError) (sql.NullString, error) {
	data, err := ir.EncodeEntryError(e)
	if err != nil {
		return sql.NullString{}, err
	}
	return nullJSON(data), nil
}

func decodeError(ns sql.NullString) (*ir.EntryError, error) {
	if !ns.Valid {
		return nil, nil
	}
	return ir.DecodeEntryError([]byte(ns.String))
}
