// Package engine implements the durable execution orchestrator.
//
// An orchestration is an ordinary Go function that receives a *Context and
// an event. Every side effect goes through Context.Step or Context.Invoke.
// Each call is resolved in one of two ways:
//
//   - Replay: the ReplayCursor holds an unconsumed history entry for this
//     call site. Its (kind, name) and input fingerprint must match; the
//     stored outcome is returned and the work is not repeated.
//   - Fresh: the cursor is exhausted. The work runs, and its single final
//     outcome is appended to the History Store at seq = last+1 before the
//     call returns.
//
// Resuming an interrupted execution is therefore a pure re-invocation of
// the orchestration function from the top. There is no continuation
// capture; already-completed calls short-circuit through the cursor.
//
// # Failure classes
//
// Step and invoke failures are recorded as FAILED entries and returned to
// orchestration code, which may compensate. Fatal errors (non-determinism,
// store failures, conflicts, cancellation) poison the Context: every later
// call returns the same error and the engine reports it even if the
// orchestration swallowed it. A fatal error never writes history and never
// moves the ExecutionRecord out of RUNNING.
//
// # Concurrency
//
// One Context drives one attempt single-threadedly. Different executions run
// independently. Two attempts racing on the same ExecutionID are serialized
// by the store's optimistic append: the loser sees ir.ErrConflict, reloads
// history, and re-runs from the top.
package engine
