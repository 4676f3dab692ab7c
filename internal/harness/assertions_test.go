package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Kind: "STEP", Name: "validate-order", Status: "COMPLETED", Output: map[string]any{"total": 39.98}},
		{Seq: 2, Kind: "INVOKE", Name: "charge", Status: "FAILED", Error: "card declined"},
		{Seq: 3, Kind: "STEP", Name: "compensate", Status: "COMPLETED", Output: true},
	}
	r.Effects["order-1/validated"] = 1
	r.Effects["saga-reserve-flight"] = 2
	r.State["orders"] = map[string]string{"order-1": "failed", "order-2": "completed"}
	return r
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleResult().Trace

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"by name", Assertion{Name: "charge"}, false},
		{"kind matches case-insensitively", Assertion{Name: "charge", Kind: "invoke"}, false},
		{"status mismatch", Assertion{Name: "charge", Status: "COMPLETED"}, true},
		{"kind mismatch", Assertion{Name: "validate-order", Kind: "INVOKE"}, true},
		{"output subset", Assertion{Name: "validate-order", Output: map[string]any{"total": 39.98}}, false},
		{"output mismatch", Assertion{Name: "validate-order", Output: map[string]any{"total": 1}}, true},
		{"scalar output", Assertion{Name: "compensate", Output: true}, false},
		{"missing", Assertion{Name: "ship-order"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.assertion)
			if tt.wantErr {
				require.Error(t, err)
				var ae *AssertionError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, AssertTraceContains, ae.Type)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleResult().Trace

	assert.NoError(t, assertTraceOrder(trace, Assertion{Names: []string{"validate-order", "compensate"}}))

	err := assertTraceOrder(trace, Assertion{Names: []string{"compensate", "charge"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compensate (pos 3) should be before charge (pos 2)")

	err = assertTraceOrder(trace, Assertion{Names: []string{"validate-order", "ship-order"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing entry: ship-order")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleResult().Trace

	assert.NoError(t, assertTraceCount(trace, Assertion{Name: "charge", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Name: "ship-order", Count: 0}))

	err := assertTraceCount(trace, Assertion{Name: "charge", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 2 entries named charge")
	assert.Contains(t, err.Error(), "Actual: 1 entries")
}

func TestAssertEffectCount(t *testing.T) {
	effects := sampleResult().Effects

	assert.NoError(t, assertEffectCount(effects, Assertion{Effect: "saga-reserve-flight", Count: 2}))
	assert.NoError(t, assertEffectCount(effects, Assertion{Effect: "order-1/shipped", Count: 0}))

	err := assertEffectCount(effects, Assertion{Effect: "order-1/validated", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order-1/validated=1, saga-reserve-flight=2")
}

func TestAssertFinalState_InProcessTables(t *testing.T) {
	result := sampleResult()

	assert.NoError(t, assertFinalState(context.Background(), nil, result, Assertion{
		Table:  "orders",
		Where:  map[string]any{"id": "order-1"},
		Expect: map[string]any{"status": "failed"},
	}))

	err := assertFinalState(context.Background(), nil, result, Assertion{
		Table:  "orders",
		Where:  map[string]any{"id": "order-2"},
		Expect: map[string]any{"status": "failed"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "status" = completed`)

	err = assertFinalState(context.Background(), nil, result, Assertion{
		Table:  "orders",
		Where:  map[string]any{"id": "order-9"},
		Expect: map[string]any{"status": "failed"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row not found")

	err = assertFinalState(context.Background(), nil, result, Assertion{
		Table:  "orders",
		Expect: map[string]any{"status": "failed"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	err = assertFinalState(context.Background(), nil, result, Assertion{
		Table:  "orders",
		Where:  map[string]any{"id": "order-1"},
		Expect: map[string]any{"reason": "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "reason" to exist`)
}

func TestAssertFinalState_RejectsUnknownTables(t *testing.T) {
	err := assertFinalState(context.Background(), nil, sampleResult(), Assertion{
		Table:  "sqlite_master",
		Expect: map[string]any{"name": "executions"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown table "sqlite_master"`)

	err = assertFinalState(context.Background(), nil, sampleResult(), Assertion{
		Table:  "executions",
		Expect: map[string]any{"status": "COMPLETED"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires database context")
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"status": "COMPLETED", "id": "x"})
	require.NoError(t, err)
	assert.Equal(t, "id = ? AND status = ?", sql)
	assert.Equal(t, []any{"x", "COMPLETED"}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	_, _, err = buildWhereClause(map[string]any{"id; DROP TABLE history": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid column name")
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"string", "a", "a", true},
		{"bytes as text", "a", []byte("a"), true},
		{"int vs int64", 3, int64(3), true},
		{"int mismatch", 3, int64(4), false},
		{"bool from integer", true, int64(1), true},
		{"bool false", false, int64(0), true},
		{"nil pair", nil, nil, true},
		{"nil vs value", nil, "a", false},
		{"type mismatch", "3", int64(3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestMatchSubset(t *testing.T) {
	actual := normalize(map[string]any{
		"orderId": "order-1",
		"invoice": map[string]any{"total": 96.64, "tax": 7.16},
		"items":   []any{"a", "b"},
	})

	assert.True(t, matchSubset(actual, normalize(map[string]any{"orderId": "order-1"})))
	assert.True(t, matchSubset(actual, normalize(map[string]any{"invoice": map[string]any{"total": 96.64}})))
	assert.True(t, matchSubset(actual, normalize(map[string]any{"items": []string{"a", "b"}})))
	assert.False(t, matchSubset(actual, normalize(map[string]any{"items": []string{"a"}})))
	assert.False(t, matchSubset(actual, normalize(map[string]any{"missing": 1})))
	assert.False(t, matchSubset("scalar", normalize(map[string]any{"a": 1})))
}

func TestEvaluateAssertions_CollectsEveryFailure(t *testing.T) {
	result := sampleResult()
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Name: "charge", Count: 1},
		{Type: AssertTraceCount, Name: "charge", Count: 5},
		{Type: AssertEffectCount, Effect: "order-1/validated", Count: 3},
		{Type: "bogus"},
		{Type: AssertFreshEquivalent},
	}, nil)

	require.Len(t, errs, 4)
	assert.Contains(t, errs[0], "trace_count")
	assert.Contains(t, errs[1], "effect_count")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
	assert.Contains(t, errs[3], "fresh_equivalent requires the scenario")
}

func TestResult_AddErrorAndCrashed(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	assert.False(t, r.Crashed())

	r.Runs = append(r.Runs, RunOutcome{Index: 0, Crashed: true})
	assert.True(t, r.Crashed())

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
