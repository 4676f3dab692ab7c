package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status string
}

// ExecutionSummary is one row of the list command.
type ExecutionSummary struct {
	ExecutionID   ir.ExecutionID     `json:"execution_id"`
	Orchestration string             `json:"orchestration"`
	Status        ir.ExecutionStatus `json:"status"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Long: `List executions in the store, optionally filtered by status.

Examples:
  durable list --db ./durable.db
  durable list --status running
  durable list --status failed --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (running|completed|failed)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	var status ir.ExecutionStatus
	if opts.Status != "" {
		status = ir.ExecutionStatus(strings.ToUpper(opts.Status))
		if !status.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q: must be running, completed or failed", opts.Status))
		}
	}

	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.store.ListExecutions(cmd.Context(), status)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list executions", err)
	}

	rows := make([]ExecutionSummary, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, ExecutionSummary{
			ExecutionID:   rec.ID,
			Orchestration: rec.Orchestration,
			Status:        rec.Status,
			UpdatedAt:     rec.UpdatedAt,
		})
	}

	f := newFormatter(cmd, opts.RootOptions)
	if f.JSON() {
		return f.Respond(CLIResponse{Status: "ok", Data: rows})
	}
	writeListText(cmd.OutOrStdout(), rows)
	return nil
}

func writeListText(w io.Writer, rows []ExecutionSummary) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No executions found.")
		return
	}
	p := newPalette(w)

	idWidth, nameWidth := len("EXECUTION"), len("ORCHESTRATION")
	for _, r := range rows {
		idWidth = max(idWidth, len(r.ExecutionID))
		nameWidth = max(nameWidth, len(r.Orchestration))
	}

	fmt.Fprintf(w, "%-*s  %-*s  %-9s  %s\n", idWidth, "EXECUTION", nameWidth, "ORCHESTRATION", "STATUS", "UPDATED")
	for _, r := range rows {
		// Pad before colouring so escape codes don't skew the columns.
		status := fmt.Sprintf("%-9s", r.Status)
		status = strings.Replace(status, string(r.Status), p.status(string(r.Status)), 1)
		fmt.Fprintf(w, "%-*s  %-*s  %s  %s\n", idWidth, r.ExecutionID, nameWidth, r.Orchestration, status, r.UpdatedAt.Format(time.RFC3339))
	}
}
