package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
orchestration: order-processing
execution_id: exec-1
event:
  orderId: order-1
runs:
  - crash_after: 2
  - crash_before_finish: true
  - recover: true
expect:
  status: COMPLETED
assertions:
  - type: trace_count
    name: validate-order
    count: 1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "order-processing", scenario.Orchestration)
	assert.Equal(t, "exec-1", scenario.executionID())
	assert.Equal(t, "order-1", scenario.Event["orderId"])
	require.Len(t, scenario.Runs, 3)
	require.NotNil(t, scenario.Runs[0].CrashAfter)
	assert.Equal(t, 2, *scenario.Runs[0].CrashAfter)
	assert.True(t, scenario.Runs[1].CrashBeforeFinish)
	assert.True(t, scenario.Runs[2].Recover)
	assert.Equal(t, "COMPLETED", scenario.Expect.Status)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_DefaultExecutionID(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: defaults
description: "No id"
orchestration: trip-booking
expect:
  status: COMPLETED
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultExecutionID, scenario.executionID())
	assert.Empty(t, scenario.Runs)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown field",
			content: "name: x\ndescription: d\norchestration: o\nassertion: []\n",
			wantErr: "field assertion not found",
		},
		{
			name:    "missing name",
			content: "description: d\norchestration: o\nexpect: {status: COMPLETED}\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\norchestration: o\nexpect: {status: COMPLETED}\n",
			wantErr: "description is required",
		},
		{
			name:    "missing orchestration",
			content: "name: x\ndescription: d\nexpect: {status: COMPLETED}\n",
			wantErr: "orchestration is required",
		},
		{
			name:    "nothing to check",
			content: "name: x\ndescription: d\norchestration: o\n",
			wantErr: "expect or a non-empty assertions list is required",
		},
		{
			name:    "negative crash point",
			content: "name: x\ndescription: d\norchestration: o\nruns: [{crash_after: -1}]\nexpect: {status: COMPLETED}\n",
			wantErr: "runs[0]: crash_after must be non-negative",
		},
		{
			name:    "two crash points",
			content: "name: x\ndescription: d\norchestration: o\nruns: [{crash_after: 1, crash_before_finish: true}]\nexpect: {status: COMPLETED}\n",
			wantErr: "are exclusive",
		},
		{
			name:    "unknown status",
			content: "name: x\ndescription: d\norchestration: o\nexpect: {status: DONE}\n",
			wantErr: `unknown status "DONE"`,
		},
		{
			name:    "unknown assertion",
			content: "name: x\ndescription: d\norchestration: o\nassertions: [{type: trace_magic}]\n",
			wantErr: `unknown assertion type "trace_magic"`,
		},
		{
			name:    "trace_contains without name",
			content: "name: x\ndescription: d\norchestration: o\nassertions: [{type: trace_contains}]\n",
			wantErr: "name is required for trace_contains",
		},
		{
			name:    "trace_order without names",
			content: "name: x\ndescription: d\norchestration: o\nassertions: [{type: trace_order}]\n",
			wantErr: "names list is required for trace_order",
		},
		{
			name:    "effect_count without effect",
			content: "name: x\ndescription: d\norchestration: o\nassertions: [{type: effect_count, count: 1}]\n",
			wantErr: "effect is required for effect_count",
		},
		{
			name:    "final_state without expect",
			content: "name: x\ndescription: d\norchestration: o\nassertions: [{type: final_state, table: orders}]\n",
			wantErr: "expect is required for final_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScenario_FreshDropsRunsAndAssertions(t *testing.T) {
	n := 1
	s := &Scenario{
		Name:          "x",
		Orchestration: "trip-booking",
		ExecutionID:   "trip-1",
		Event:         map[string]any{"failBookCar": true},
		Runs:          []RunStep{{CrashAfter: &n}, {}},
		Assertions:    []Assertion{{Type: AssertFreshEquivalent}},
	}

	fresh := s.fresh()
	assert.Empty(t, fresh.Runs)
	assert.Empty(t, fresh.Assertions)
	assert.Equal(t, s.Event, fresh.Event)
	assert.Equal(t, "trip-1", fresh.executionID())
}
