package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/durable/internal/ir"
)

// Timestamps are stored as RFC 3339 TEXT in UTC so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullJSON maps an absent payload to SQL NULL.
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

func marshalError(e *ir.EntryError) (sql.NullString, error) {
	data, err := ir.EncodeEntryError(e)
	if err != nil {
		return sql.NullString{}, err
	}
	return nullJSON(data), nil
}

func unmarshalError(ns sql.NullString) (*ir.EntryError, error) {
	if !ns.Valid {
		return nil, nil
	}
	return ir.DecodeEntryError([]byte(ns.String))
}

// isConstraintViolation reports whether err is a SQLite constraint failure,
// which for the history table means another writer took the same seq.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (ir.HistoryEntry, error) {
	var (
		entry      ir.HistoryEntry
		kind       string
		status     string
		output     sql.NullString
		errJSON    sql.NullString
		recordedAt string
	)
	if err := row.Scan(&entry.Seq, &kind, &entry.Name, &entry.InputFingerprint, &status, &output, &errJSON, &recordedAt); err != nil {
		return ir.HistoryEntry{}, fmt.Errorf("scan history entry: %w", err)
	}

	entry.Kind = ir.EntryKind(kind)
	entry.Status = ir.EntryStatus(status)
	entry.Output = rawJSON(output)

	var err error
	if entry.Error, err = unmarshalError(errJSON); err != nil {
		return ir.HistoryEntry{}, fmt.Errorf("history entry %d: %w", entry.Seq, err)
	}
	if entry.RecordedAt, err = parseTime(recordedAt); err != nil {
		return ir.HistoryEntry{}, fmt.Errorf("history entry %d: %w", entry.Seq, err)
	}
	return entry, nil
}

func scanExecution(row rowScanner) (ir.ExecutionRecord, error) {
	var (
		rec       ir.ExecutionRecord
		id        string
		status    string
		event     sql.NullString
		result    sql.NullString
		errJSON   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&id, &rec.Orchestration, &event, &rec.EventFingerprint, &status, &result, &errJSON, &createdAt, &updatedAt); err != nil {
		return ir.ExecutionRecord{}, err
	}

	rec.ID = ir.ExecutionID(id)
	rec.Status = ir.ExecutionStatus(status)
	rec.Event = rawJSON(event)
	rec.Result = rawJSON(result)

	var err error
	if rec.Error, err = unmarshalError(errJSON); err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, err)
	}
	return rec, nil
}
