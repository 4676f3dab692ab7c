package harness

// TraceEvent is one history entry as the harness reports it. Outputs are
// decoded JSON so assertions and golden files compare values, not bytes.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RunOutcome records what one entry of Scenario.Runs did.
type RunOutcome struct {
	Index   int    `json:"index"`
	Crashed bool   `json:"crashed"`
	Code    string `json:"code,omitempty"` // engine.ErrorCode of the returned error
	Error   string `json:"error,omitempty"`
}

// ExecutionOutcome is the execution record after the last run.
type ExecutionOutcome struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	Runs      []RunOutcome     `json:"runs"`
	Execution ExecutionOutcome `json:"execution"`

	// Trace is the execution's history in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Effects counts side effects the demo services observed: order ledger
	// writes keyed "<order>/<status>" and target dispatches keyed by
	// function name.
	Effects map[string]int `json:"effects"`

	// State holds the in-process tables final_state can query besides the
	// store's own: "orders" and "bookings", each id -> status.
	State map[string]map[string]string `json:"state,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Runs:    []RunOutcome{},
		Trace:   []TraceEvent{},
		Effects: make(map[string]int),
		State:   make(map[string]map[string]string),
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Crashed reports whether any run ended in a simulated crash.
func (r *Result) Crashed() bool {
	for _, run := range r.Runs {
		if run.Crashed {
			return true
		}
	}
	return false
}
