package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// VerifyReport is the integrity check of one execution.
type VerifyReport struct {
	ExecutionID   ir.ExecutionID     `json:"execution_id"`
	Orchestration string             `json:"orchestration"`
	Status        ir.ExecutionStatus `json:"status"`
	Entries       int                `json:"entries"`
	Issues        []string           `json:"issues,omitempty"`
}

// OK reports whether no issues were found.
func (r VerifyReport) OK() bool {
	return len(r.Issues) == 0
}

// VerifyResult holds the overall verify result.
type VerifyResult struct {
	Executions []VerifyReport `json:"executions"`
	Checked    int            `json:"checked"`
	Corrupt    int            `json:"corrupt"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [execution-id...]",
		Short: "Check stored histories for integrity",
		Long: `Check the stored history of each execution against the invariants
replay depends on:

- sequences are contiguous from 1
- every entry is well formed (known kind and status, error iff FAILED)
- no (kind, name) pair appears twice
- no PENDING entry exists
- the stored event matches its fingerprint
- the record's status agrees with its result and error

With no arguments every execution in the store is checked.

Exit codes:
  0 - All histories are consistent
  1 - At least one history is corrupt
  2 - Command error (store unreachable, unknown execution)

Examples:
  durable verify --db ./durable.db
  durable verify order-1 trip-1 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args, cmd)
		},
	}
}

func runVerify(opts *RootOptions, args []string, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	recs, err := selectExecutions(ctx, s.store, args)
	if err != nil {
		return err
	}

	result := VerifyResult{Executions: make([]VerifyReport, 0, len(recs))}
	for _, rec := range recs {
		entries, err := s.store.Load(ctx, rec.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load history of %s", rec.ID), err)
		}
		rec.History = entries

		report := VerifyExecution(rec)
		result.Checked++
		if !report.OK() {
			result.Corrupt++
			s.logger.Warn("history check failed", "execution_id", rec.ID, "issues", len(report.Issues))
		}
		result.Executions = append(result.Executions, report)
	}

	f := newFormatter(cmd, opts)
	if f.JSON() {
		status := "ok"
		if result.Corrupt > 0 {
			status = "error"
		}
		if err := f.Respond(CLIResponse{Status: status, Data: result}); err != nil {
			return err
		}
	} else {
		writeVerifyText(cmd.OutOrStdout(), result, opts.Verbose)
	}

	if result.Corrupt > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d histories are corrupt", result.Corrupt, result.Checked))
	}
	return nil
}

// selectExecutions returns the named records, or every record when ids is empty.
func selectExecutions(ctx context.Context, st engine.ExecutionStore, ids []string) ([]ir.ExecutionRecord, error) {
	if len(ids) == 0 {
		recs, err := st.ListExecutions(ctx, "")
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to list executions", err)
		}
		return recs, nil
	}

	recs := make([]ir.ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := st.GetExecution(ctx, ir.ExecutionID(id))
		if err != nil {
			if ir.IsNotFound(err) {
				return nil, NewExitError(ExitCommandError, fmt.Sprintf("execution %s not found", id))
			}
			return nil, WrapExitError(ExitCommandError, "failed to read execution", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// VerifyExecution checks rec and its attached History. Every problem found
// is reported; the check never stops at the first one.
func VerifyExecution(rec ir.ExecutionRecord) VerifyReport {
	report := VerifyReport{
		ExecutionID:   rec.ID,
		Orchestration: rec.Orchestration,
		Status:        rec.Status,
		Entries:       len(rec.History),
	}
	issue := func(format string, args ...any) {
		report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
	}

	seen := make(map[ir.CallKey]int64, len(rec.History))
	for i, e := range rec.History {
		if want := int64(i + 1); e.Seq != want {
			issue("entry %d has seq %d, want %d", i, e.Seq, want)
		}
		if err := e.Validate(); err != nil {
			issue("%v", err)
		}
		if e.Status == ir.StatusPending {
			issue("entry %d (%s) is PENDING", e.Seq, e.Key())
		}
		if first, dup := seen[e.Key()]; dup {
			issue("entry %d reuses %s first recorded at seq %d", e.Seq, e.Key(), first)
		} else {
			seen[e.Key()] = e.Seq
		}
	}

	if len(rec.Event) > 0 {
		fp, err := ir.EventFingerprint(rec.Event)
		switch {
		case err != nil:
			issue("stored event cannot be fingerprinted: %v", err)
		case fp != rec.EventFingerprint:
			issue("stored event fingerprint %s does not match event (%s)",
				truncateFingerprint(rec.EventFingerprint), truncateFingerprint(fp))
		}
	}

	switch rec.Status {
	case ir.ExecutionCompleted:
		if rec.Error != nil {
			issue("COMPLETED record carries an error")
		}
		if len(rec.Result) == 0 {
			issue("COMPLETED record has no result")
		}
	case ir.ExecutionFailed:
		if rec.Error == nil {
			issue("FAILED record has no error")
		}
		if len(rec.Result) > 0 {
			issue("FAILED record carries a result")
		}
	case ir.ExecutionRunning:
		if rec.Error != nil || len(rec.Result) > 0 {
			issue("RUNNING record carries a terminal outcome")
		}
	default:
		issue("unknown execution status %q", rec.Status)
	}

	return report
}

func writeVerifyText(w io.Writer, result VerifyResult, verbose bool) {
	if result.Checked == 0 {
		fmt.Fprintln(w, "No executions found.")
		return
	}
	p := newPalette(w)

	for _, r := range result.Executions {
		if r.OK() && !verbose {
			continue
		}
		fmt.Fprintf(w, "%s %s (%s, %d entries)\n", p.mark(r.OK()), r.ExecutionID, p.status(string(r.Status)), r.Entries)
		for _, msg := range r.Issues {
			fmt.Fprintf(w, "  %s\n", msg)
		}
	}

	if result.Corrupt == 0 {
		fmt.Fprintf(w, "All %d histories consistent.\n", result.Checked)
		return
	}
	fmt.Fprintf(w, "%d of %d histories corrupt.\n", result.Corrupt, result.Checked)
}
