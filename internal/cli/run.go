package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/demo"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store/crash"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ID                string
	Event             string
	CrashAfter        int // -1 disables the crash point
	CrashBeforeFinish bool
}

// RunResult is the outcome of one run command.
type RunResult struct {
	ExecutionID   ir.ExecutionID     `json:"execution_id"`
	Orchestration string             `json:"orchestration"`
	Status        ir.ExecutionStatus `json:"status"`
	Entries       int                `json:"entries"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Code          string             `json:"code,omitempty"`
	Error         string             `json:"error,omitempty"`
	Crashed       bool               `json:"crashed,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <orchestration>",
		Short: "Run a registered orchestration",
		Long: `Run one of the registered demo orchestrations (order-processing,
parallel-order, trip-booking) to completion, or resume it when --id names an existing
execution.

The event is read from --event: inline JSON, @file, or - for stdin. Without
--event a built-in sample event is used.

--crash-after N lets N history entries reach the store and then refuses
every further write, leaving the execution RUNNING exactly as a process
killed mid-run would. Resume it with "durable recover" or by running again
with the same --id.

The demo targets live in this process. A resumed execution replays invokes
recorded before the crash, but bookings made by an earlier process are not
known to the new one, so compensating them fails.

Exit codes:
  0 - Execution completed (or the requested crash happened)
  1 - Execution failed or did not finish
  2 - Command error (unknown orchestration, bad event, store unreachable)

Examples:
  durable run order-processing --db ./durable.db
  durable run trip-booking --id trip-1 --event @trip.json
  durable run parallel-order --crash-after 4
  durable run order-processing --id order-1 --crash-after 3
  durable run order-processing --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestration(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "execution id (default: a fresh UUIDv7)")
	cmd.Flags().StringVarP(&opts.Event, "event", "e", "", "event JSON, @file, or - for stdin")
	cmd.Flags().IntVar(&opts.CrashAfter, "crash-after", -1, "simulate a crash after N history entries")
	cmd.Flags().BoolVar(&opts.CrashBeforeFinish, "crash-before-finish", false, "simulate a crash before the terminal status is written")

	return cmd
}

func runOrchestration(opts *RunOptions, name string, cmd *cobra.Command) error {
	event, err := readEvent(opts.Event, name, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event", err)
	}

	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st engine.ExecutionStore = s.store
	var crasher *crash.Store
	if opts.CrashAfter >= 0 || opts.CrashBeforeFinish {
		crasher = crash.New(s.store)
		if opts.CrashAfter >= 0 {
			crasher.CrashAfter(opts.CrashAfter)
		}
		if opts.CrashBeforeFinish {
			crasher.CrashBeforeFinish()
		}
		st = crasher
	}

	e := s.engine(st, demo.NewServices())
	if _, ok := e.Lookup(name); !ok {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("unknown orchestration %q (registered: %s)", name, strings.Join(e.Orchestrations(), ", ")))
	}

	id := ir.ExecutionID(opts.ID)
	var (
		result json.RawMessage
		runErr error
	)
	if id == "" {
		id, result, runErr = e.StartNamed(ctx, name, event)
	} else {
		if err := id.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "invalid --id", err)
		}
		result, runErr = e.RunNamed(ctx, id, name, event)
	}
	s.logger.Debug("run returned", "execution_id", id, "code", engine.ErrorCode(runErr))

	rec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if runErr != nil {
			return WrapExitError(ExitFailure, "run failed", runErr)
		}
		return WrapExitError(ExitCommandError, "failed to read execution", err)
	}
	entries, err := s.store.Load(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load history", err)
	}

	res := RunResult{
		ExecutionID:   id,
		Orchestration: rec.Orchestration,
		Status:        rec.Status,
		Entries:       len(entries),
		Result:        result,
		Crashed:       crasher != nil && crasher.Crashed(),
	}
	if runErr != nil {
		res.Code = engine.ErrorCode(runErr)
		res.Error = runErr.Error()
	}

	f := newFormatter(cmd, opts.RootOptions)
	if f.JSON() {
		status := "ok"
		if runErr != nil && !res.Crashed {
			status = "error"
		}
		if err := f.Respond(CLIResponse{Status: status, Data: res}); err != nil {
			return err
		}
	} else {
		writeRunText(cmd.OutOrStdout(), res, opts.Verbose)
	}

	switch {
	case res.Crashed:
		return nil
	case runErr != nil:
		return WrapExitError(ExitFailure, fmt.Sprintf("execution %s did not complete", id), runErr)
	}
	return nil
}

// readEvent resolves the --event flag. An empty flag selects the
// orchestration's sample event.
func readEvent(flag, name string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case flag == "":
		sample, ok := demo.SampleEvent(name)
		if !ok {
			return nil, fmt.Errorf("no --event given and %q has no sample event", name)
		}
		return sample, nil
	case flag == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(flag, "@"):
		b, err := os.ReadFile(flag[1:])
		if err != nil {
			return nil, err
		}
		data = b
	default:
		data = []byte(flag)
	}

	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("event is not valid JSON")
	}
	return data, nil
}

func writeRunText(w io.Writer, res RunResult, verbose bool) {
	p := newPalette(w)

	fmt.Fprintf(w, "Execution:     %s\n", res.ExecutionID)
	fmt.Fprintf(w, "Orchestration: %s\n", res.Orchestration)
	fmt.Fprintf(w, "Status:        %s\n", p.status(string(res.Status)))
	fmt.Fprintf(w, "Entries:       %d\n", res.Entries)

	if len(res.Result) > 0 {
		fmt.Fprintf(w, "Result:        %s\n", formatJSON(res.Result, verbose))
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error [%s]: %s\n", res.Code, res.Error)
	}
	if res.Crashed {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Simulated crash after %d entries. Resume with:\n", res.Entries)
		fmt.Fprintf(w, "  durable recover\n")
		fmt.Fprintf(w, "  durable run %s --id %s\n", res.Orchestration, res.ExecutionID)
	}
}

// formatJSON renders raw compactly, or indented when pretty is set.
func formatJSON(raw json.RawMessage, pretty bool) string {
	var buf bytes.Buffer
	var err error
	if pretty {
		err = json.Indent(&buf, raw, "", "  ")
	} else {
		err = json.Compact(&buf, raw)
	}
	if err != nil {
		return string(raw)
	}
	return buf.String()
}
