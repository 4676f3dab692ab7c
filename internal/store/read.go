package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/durable/internal/ir"
)

// Load returns the full history of an execution ordered by seq.
// Returns an empty slice (not nil) if the execution has no history.
func (s *Store) Load(ctx context.Context, id ir.ExecutionID) ([]ir.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, name, input_fingerprint, status, output, error, recorded_at
		FROM history
		WHERE execution_id = ?
		ORDER BY seq ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	entries := []ir.HistoryEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: iterate: %w", err)
	}

	return entries, nil
}

const executionColumns = `id, orchestration, event, event_fingerprint, status, result, error, created_at, updated_at`

// GetExecution returns the record for id without its history.
// Returns an error wrapping ir.ErrNotFound if no record exists.
func (s *Store) GetExecution(ctx context.Context, id ir.ExecutionID) (ir.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, string(id))
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns records with the given status, or all records when
// status is empty. Ordered by created_at then id for stable output.
func (s *Store) ListExecutions(ctx context.Context, status ir.ExecutionStatus) ([]ir.ExecutionRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+executionColumns+` FROM executions
			ORDER BY created_at ASC, id COLLATE BINARY ASC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+executionColumns+` FROM executions
			WHERE status = ?
			ORDER BY created_at ASC, id COLLATE BINARY ASC
		`, string(status))
	}
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
