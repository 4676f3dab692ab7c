package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/ir"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Kind string // optional - filter to STEP or INVOKE entries
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <execution-id>",
		Short: "Show the recorded history of an execution",
		Long: `Show the execution record and its history timeline.

Each entry is one recorded step or invocation, in sequence order, with
its status. --verbose adds input fingerprints and recorded outputs.

Examples:
  durable history order-1 --db ./durable.db
  durable history trip-1 --kind invoke
  durable history trip-1 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, ir.ExecutionID(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to entries of one kind (step|invoke)")

	return cmd
}

func runHistory(opts *HistoryOptions, id ir.ExecutionID, cmd *cobra.Command) error {
	var kind ir.EntryKind
	if opts.Kind != "" {
		kind = ir.EntryKind(strings.ToUpper(opts.Kind))
		if !kind.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --kind %q: must be step or invoke", opts.Kind))
		}
	}

	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	rec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if ir.IsNotFound(err) {
			return NewExitError(ExitCommandError, fmt.Sprintf("execution %s not found", id))
		}
		return WrapExitError(ExitCommandError, "failed to read execution", err)
	}
	entries, err := s.store.Load(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load history", err)
	}
	rec.History = filterEntries(entries, kind)

	f := newFormatter(cmd, opts.RootOptions)
	if f.JSON() {
		return f.Respond(CLIResponse{Status: "ok", Data: rec})
	}
	writeHistoryText(cmd.OutOrStdout(), rec, opts.Verbose)
	return nil
}

// filterEntries keeps entries of kind; an empty kind keeps everything.
func filterEntries(entries []ir.HistoryEntry, kind ir.EntryKind) []ir.HistoryEntry {
	if kind == "" {
		return entries
	}
	var out []ir.HistoryEntry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func writeHistoryText(w io.Writer, rec ir.ExecutionRecord, verbose bool) {
	p := newPalette(w)

	fmt.Fprintf(w, "Execution:     %s\n", rec.ID)
	fmt.Fprintf(w, "Orchestration: %s\n", rec.Orchestration)
	fmt.Fprintf(w, "Status:        %s\n", p.status(string(rec.Status)))
	fmt.Fprintf(w, "Created:       %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:       %s\n", rec.UpdatedAt.Format(time.RFC3339))
	if verbose {
		fmt.Fprintf(w, "Event:         %s\n", formatJSON(rec.Event, false))
		fmt.Fprintf(w, "Fingerprint:   %s\n", rec.EventFingerprint)
		fmt.Fprintf(w, "Last seq:      %d\n", rec.LastSeq())
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(rec.History) == 0 {
		fmt.Fprintln(w, "  (no entries)")
	}
	width := 0
	for _, e := range rec.History {
		width = max(width, len(e.Name))
	}
	for _, e := range rec.History {
		fmt.Fprintf(w, "  [%d] %-6s %-*s %s\n", e.Seq, e.Kind, width, e.Name, p.status(string(e.Status)))
		if e.Error != nil {
			fmt.Fprintf(w, "       %s\n", formatEntryError(e.Error))
		}
		if verbose {
			fmt.Fprintf(w, "       %s\n", p.faint("input "+truncateFingerprint(e.InputFingerprint)))
			if len(e.Output) > 0 {
				fmt.Fprintf(w, "       output %s\n", formatJSON(e.Output, false))
			}
		}
	}

	switch rec.Status {
	case ir.ExecutionCompleted:
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Result ===")
		fmt.Fprintf(w, "  %s\n", formatJSON(rec.Result, verbose))
	case ir.ExecutionFailed:
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Error ===")
		fmt.Fprintf(w, "  %s\n", formatEntryError(rec.Error))
	}
}

func formatEntryError(e *ir.EntryError) string {
	if e == nil {
		return "(no error recorded)"
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("%s (attempts: %d)", e.Error(), e.Attempts)
	}
	return e.Error()
}

// truncateFingerprint shortens a hex digest for display.
func truncateFingerprint(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:8] + "..." + fp[len(fp)-8:]
}
