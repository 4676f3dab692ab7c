package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a crash/resume test scenario.
// A scenario runs one orchestration for one execution id one or more times,
// optionally crashing the store mid-run, and asserts on the resulting
// history, side effects and final execution record.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Orchestration is the registered name to run (see package demo).
	Orchestration string `yaml:"orchestration"`

	// ExecutionID is the id every run targets.
	// If empty, defaults to "test-execution-default".
	ExecutionID string `yaml:"execution_id,omitempty"`

	// Event is passed to every run.
	Event map[string]any `yaml:"event"`

	// Runs lists the attempts to make, in order. Empty means a single
	// uninterrupted run.
	Runs []RunStep `yaml:"runs,omitempty"`

	// Expect checks the final execution record.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// Assertions validate the final history, effects and state.
	Assertions []Assertion `yaml:"assertions"`
}

// RunStep is one attempt at the execution.
type RunStep struct {
	// CrashAfter lets this many history appends through, then fails every
	// write for the rest of the run.
	CrashAfter *int `yaml:"crash_after,omitempty"`

	// CrashBeforeFinish lets every append through and fails only the
	// terminal status write.
	CrashBeforeFinish bool `yaml:"crash_before_finish,omitempty"`

	// Recover resumes through Engine.Recover instead of RunNamed.
	Recover bool `yaml:"recover,omitempty"`
}

// ExpectClause specifies the expected final execution record.
type ExpectClause struct {
	// Status is the expected ExecutionStatus (RUNNING, COMPLETED, FAILED).
	Status string `yaml:"status"`

	// ErrorContains must be a substring of the stored failure message.
	ErrorContains string `yaml:"error_contains,omitempty"`

	// Result is a subset match against the decoded execution result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates history, effects or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an entry with Name (and Kind/Status/Output if set) exists
	// - "trace_order": entries named in Names appear in that order
	// - "trace_count": exactly Count entries are named Name
	// - "effect_count": side effect Effect happened exactly Count times
	// - "final_state": a row of Table matching Where has the Expect values
	// - "fresh_equivalent": history and outcome equal an uninterrupted run
	Type string `yaml:"type"`

	Name   string `yaml:"name,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	Status string `yaml:"status,omitempty"`
	Output any    `yaml:"output,omitempty"`

	// Names is the expected entry order (used by trace_order).
	Names []string `yaml:"names,omitempty"`

	// Effect is a Result.Effects key (used by effect_count).
	Effect string `yaml:"effect,omitempty"`

	// Count is the expected number of occurrences (trace_count, effect_count).
	Count int `yaml:"count,omitempty"`

	// Table is the state table name (used by final_state): executions or
	// history from the store, orders or bookings from the demo services.
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertEffectCount     = "effect_count"
	AssertFinalState      = "final_state"
	AssertFreshEquivalent = "fresh_equivalent"
)

// DefaultExecutionID is used when a scenario names no execution id.
const DefaultExecutionID = "test-execution-default"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Orchestration == "" {
		return fmt.Errorf("orchestration is required")
	}
	if s.Expect == nil && len(s.Assertions) == 0 {
		return fmt.Errorf("expect or a non-empty assertions list is required")
	}

	for i, run := range s.Runs {
		if run.CrashAfter != nil && *run.CrashAfter < 0 {
			return fmt.Errorf("runs[%d]: crash_after must be non-negative", i)
		}
		if run.CrashAfter != nil && run.CrashBeforeFinish {
			return fmt.Errorf("runs[%d]: crash_after and crash_before_finish are exclusive", i)
		}
	}

	if s.Expect != nil {
		switch s.Expect.Status {
		case "RUNNING", "COMPLETED", "FAILED":
		case "":
			return fmt.Errorf("expect: status is required")
		default:
			return fmt.Errorf("expect: unknown status %q", s.Expect.Status)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Names) == 0 {
			return fmt.Errorf("assertions[%d]: names list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertEffectCount:
		if a.Effect == "" {
			return fmt.Errorf("assertions[%d]: effect is required for effect_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for effect_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertFreshEquivalent:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) executionID() string {
	if s.ExecutionID == "" {
		return DefaultExecutionID
	}
	return s.ExecutionID
}

// fresh returns a copy of s with a single uninterrupted run and no
// assertions.
func (s *Scenario) fresh() *Scenario {
	return &Scenario{
		Name:          s.Name,
		Description:   s.Description,
		Orchestration: s.Orchestration,
		ExecutionID:   s.ExecutionID,
		Event:         s.Event,
	}
}
