package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/durable/internal/ir"
)

// TraceSnapshot is the golden-file view of a scenario result. Step outputs
// are left out so snapshots stay readable; the execution result and every
// entry's status and error are kept.
type TraceSnapshot struct {
	ScenarioName string           `json:"scenario_name"`
	Runs         []SnapshotRun    `json:"runs"`
	Execution    ExecutionOutcome `json:"execution"`
	Trace        []SnapshotEntry  `json:"trace"`
	Effects      map[string]int   `json:"effects"`
}

// SnapshotRun is a RunOutcome without the free-form error text.
type SnapshotRun struct {
	Index   int    `json:"index"`
	Crashed bool   `json:"crashed"`
	Code    string `json:"code,omitempty"`
}

// SnapshotEntry is a TraceEvent without its output.
type SnapshotEntry struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewSnapshot builds the snapshot of result under name.
func NewSnapshot(name string, result *Result) TraceSnapshot {
	snap := TraceSnapshot{
		ScenarioName: name,
		Runs:         make([]SnapshotRun, len(result.Runs)),
		Execution:    result.Execution,
		Trace:        make([]SnapshotEntry, len(result.Trace)),
		Effects:      result.Effects,
	}
	for i, run := range result.Runs {
		snap.Runs[i] = SnapshotRun{Index: run.Index, Crashed: run.Crashed, Code: run.Code}
	}
	for i, event := range result.Trace {
		snap.Trace[i] = SnapshotEntry{
			Seq:    event.Seq,
			Kind:   event.Kind,
			Name:   event.Name,
			Status: event.Status,
			Error:  event.Error,
		}
	}
	return snap
}

// Marshal renders the snapshot as canonical JSON (sorted keys, shortest
// numbers) indented two spaces, with a trailing newline.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	return marshalIndentedCanonical(s)
}

func marshalIndentedCanonical(v any) ([]byte, error) {
	val, err := ir.FromGo(v)
	if err != nil {
		return nil, err
	}
	canonical, err := ir.MarshalCanonical(val)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
