package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter      string // doublestar pattern over scenario paths
	Determinism bool   // run each scenario twice and diff
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-path>...",
		Short: "Run crash/resume conformance scenarios",
		Long: `Run conformance scenarios using the harness framework.

Each scenario runs a demo orchestration against an in-memory SQLite store,
crashing and resuming it as its runs describe, then checks the recorded
history, side-effect counts and final state against its assertions.

Paths may be scenario files or directories, which are searched recursively
for .yaml and .yml files. --filter is a glob (** allowed) matched against
each scenario's path relative to the directory it was found in.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad filter)

Examples:
  durable test ./scenarios
  durable test ./scenarios --filter "trip_*"
  durable test ./scenarios/order_happy_path.yaml --determinism
  durable test ./scenarios --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().BoolVar(&opts.Determinism, "determinism", false, "run every scenario twice and fail on any difference")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	level := slogLevel(opts.Verbose)
	suiteOpts := harness.SuiteOptions{
		Filter:      opts.Filter,
		Determinism: opts.Determinism,
		Options:     []harness.Option{harness.WithLogger(newLogger(cmd.ErrOrStderr(), level))},
	}

	result, err := harness.RunSuite(cmd.Context(), paths, suiteOpts)
	if err != nil {
		var notFound *harness.ScenarioNotFoundError
		if errors.As(err, &notFound) {
			return NewExitError(ExitCommandError, err.Error())
		}
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	f := newFormatter(cmd, opts.RootOptions)
	if f.JSON() {
		if err := outputTestJSON(f, result); err != nil {
			return err
		}
	} else {
		outputTestText(cmd.OutOrStdout(), result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.TotalScenarios))
	}
	return nil
}

// slogLevel keeps harness logging to warnings unless --verbose is set.
func slogLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// outputTestJSON outputs the suite result as JSON.
func outputTestJSON(f *OutputFormatter, result *harness.SuiteResult) error {
	if result.Failed == 0 {
		return f.Respond(CLIResponse{Status: "ok", Data: result})
	}
	return f.Respond(CLIResponse{
		Status: "error",
		Data:   result,
		Error: &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		},
	})
}

// outputTestText outputs the suite result as text.
func outputTestText(w io.Writer, result *harness.SuiteResult) {
	if result.TotalScenarios == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	p := newPalette(w)

	for _, failure := range result.Failures {
		name := failure.Scenario
		if name == "" {
			name = failure.ScenarioPath
		}
		fmt.Fprintf(w, "%s %s\n", p.mark(false), name)
		for _, line := range strings.Split(failure.Error, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	fmt.Fprintln(w)
	if result.Failed == 0 {
		fmt.Fprintf(w, "%s %d/%d scenarios passed\n", p.mark(true), result.Passed, result.TotalScenarios)
	} else {
		fmt.Fprintf(w, "%d/%d scenarios passed, %d failed\n", result.Passed, result.TotalScenarios, result.Failed)
	}
}
