package harness

import (
	"context"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// CheckDeterminism runs scenario twice in fresh harnesses and returns a
// unified diff of the two snapshots. An empty diff means both runs
// produced the same history, effects and outcome.
func CheckDeterminism(ctx context.Context, scenario *Scenario, opts ...Option) (string, error) {
	first, err := snapshotOf(ctx, scenario, opts...)
	if err != nil {
		return "", fmt.Errorf("first run: %w", err)
	}
	second, err := snapshotOf(ctx, scenario, opts...)
	if err != nil {
		return "", fmt.Errorf("second run: %w", err)
	}
	return unifiedDiff("run 1", "run 2", first, second)
}

func snapshotOf(ctx context.Context, scenario *Scenario, opts ...Option) (string, error) {
	h, result, err := execute(ctx, scenario, opts...)
	if err != nil {
		return "", err
	}
	defer h.Close()

	data, err := NewSnapshot(scenario.Name, result).Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// equivalenceView is what an interrupted execution must share with an
// uninterrupted one: the final record and the full history, outputs
// included.
type equivalenceView struct {
	Execution ExecutionOutcome `json:"execution"`
	Trace     []TraceEvent     `json:"trace"`
}

// assertFreshEquivalent reruns scenario without crashes and diffs the
// resulting history and outcome against result.
func assertFreshEquivalent(ctx context.Context, scenario *Scenario, result *Result, opts []Option) error {
	h, fresh, err := execute(ctx, scenario.fresh(), opts...)
	if err != nil {
		return fmt.Errorf("fresh run: %w", err)
	}
	defer h.Close()

	want, err := marshalIndentedCanonical(equivalenceView{Execution: fresh.Execution, Trace: fresh.Trace})
	if err != nil {
		return err
	}
	got, err := marshalIndentedCanonical(equivalenceView{Execution: result.Execution, Trace: result.Trace})
	if err != nil {
		return err
	}

	diff, err := unifiedDiff("fresh", "resumed", string(want), string(got))
	if err != nil {
		return err
	}
	if diff != "" {
		return &AssertionError{
			Type:     AssertFreshEquivalent,
			Expected: "history and outcome identical to an uninterrupted run",
			Actual:   "differences:\n" + diff,
			Trace:    result.Trace,
		}
	}
	return nil
}

func unifiedDiff(fromName, toName, a, b string) (string, error) {
	if a == b {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}
