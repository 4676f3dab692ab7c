// Package store provides SQLite-backed durable storage for execution histories.
//
// Two tables back the engine:
//   - executions: one ExecutionRecord per ExecutionID (status, event, result)
//   - history: the append-only HistoryEntry log, keyed by (execution_id, seq)
//
// # Invariants
//
// Append is optimistic: an entry is accepted only when its seq is exactly
// one greater than the highest stored seq for that execution. Anything else
// fails with ir.ErrConflict and nothing is written. The composite primary key
// is the final arbiter when two writers race past the MAX(seq) check.
//
// Load returns entries ORDER BY seq ASC and never returns a gap.
//
// FinishExecution only moves a record out of RUNNING. A second transition
// fails with ir.ErrConflict so the first terminal outcome is the one kept.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
