package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/demo"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// RecoveredExecution reports one execution Recover touched.
type RecoveredExecution struct {
	ExecutionID   ir.ExecutionID     `json:"execution_id"`
	Orchestration string             `json:"orchestration"`
	Status        ir.ExecutionStatus `json:"status"`
	Skipped       bool               `json:"skipped,omitempty"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Code          string             `json:"code,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// RecoverResult summarizes a recover command.
type RecoverResult struct {
	Executions []RecoveredExecution `json:"executions"`
	Completed  int                  `json:"completed"`
	Failed     int                  `json:"failed"`
	Running    int                  `json:"running"`
	Skipped    int                  `json:"skipped"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume every RUNNING execution",
		Long: `Find every execution still RUNNING in the store and resume it by replay.

Recorded steps and invocations are not re-executed; each orchestration
continues from the first call missing from its history. Executions of an
orchestration this binary does not register are skipped.

Exit codes:
  0 - Every registered execution reached a terminal status
  1 - At least one execution is still RUNNING after its attempt
  2 - Command error

Examples:
  durable recover --db ./durable.db
  durable recover --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := s.engine(s.store, demo.NewServices())
	results, err := e.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "recovery failed", err)
	}

	out := summarizeRecovery(results)

	f := newFormatter(cmd, opts)
	if f.JSON() {
		if err := f.Respond(CLIResponse{Status: "ok", Data: out}); err != nil {
			return err
		}
	} else {
		writeRecoverText(cmd.OutOrStdout(), out)
	}

	if out.Running > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d execution(s) still running", out.Running))
	}
	return nil
}

func summarizeRecovery(results []engine.RecoveryResult) RecoverResult {
	out := RecoverResult{Executions: make([]RecoveredExecution, 0, len(results))}
	for _, r := range results {
		item := RecoveredExecution{
			ExecutionID:   r.ExecutionID,
			Orchestration: r.Orchestration,
			Status:        r.Status,
			Skipped:       r.Skipped,
			Result:        r.Result,
		}
		if r.Err != nil {
			item.Code = engine.ErrorCode(r.Err)
			item.Error = r.Err.Error()
		}
		out.Executions = append(out.Executions, item)

		switch {
		case r.Skipped:
			out.Skipped++
		case r.Status == ir.ExecutionCompleted:
			out.Completed++
		case r.Status == ir.ExecutionFailed:
			out.Failed++
		default:
			out.Running++
		}
	}
	return out
}

func writeRecoverText(w io.Writer, out RecoverResult) {
	p := newPalette(w)

	if len(out.Executions) == 0 {
		fmt.Fprintln(w, "No running executions.")
		return
	}

	for _, r := range out.Executions {
		if r.Skipped {
			fmt.Fprintf(w, "- %s %s %s\n", r.ExecutionID, r.Orchestration, p.faint("(skipped: not registered)"))
			continue
		}
		fmt.Fprintf(w, "%s %s %s %s\n", p.mark(r.Status == ir.ExecutionCompleted), r.ExecutionID, r.Orchestration, p.status(string(r.Status)))
		if r.Error != "" {
			fmt.Fprintf(w, "  [%s] %s\n", r.Code, r.Error)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d completed, %d failed, %d running, %d skipped\n", out.Completed, out.Failed, out.Running, out.Skipped)
}
