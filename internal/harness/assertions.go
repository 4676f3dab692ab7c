package harness

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// storeTables are the store tables final_state may query with SQL.
var storeTables = map[string]bool{
	"executions": true,
	"history":    true,
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull history:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Seq, event.Kind, event.Name, event.Status)
		}
	}
	return buf.String()
}

// assertTraceContains checks that the history has an entry with the
// assertion's name whose kind, status and output match where given.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Name != assertion.Name {
			continue
		}
		if assertion.Kind != "" && !strings.EqualFold(event.Kind, assertion.Kind) {
			continue
		}
		if assertion.Status != "" && !strings.EqualFold(event.Status, assertion.Status) {
			continue
		}
		if assertion.Output != nil && !matchSubset(event.Output, normalize(assertion.Output)) {
			continue
		}
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeEntry(assertion),
		Actual:   "not found in history",
		Trace:    trace,
	}
}

func describeEntry(a Assertion) string {
	desc := "entry " + a.Name
	if a.Kind != "" {
		desc += " kind " + a.Kind
	}
	if a.Status != "" {
		desc += " status " + a.Status
	}
	if a.Output != nil {
		desc += fmt.Sprintf(" output %v", a.Output)
	}
	return desc
}

// assertTraceOrder checks if entries appear in the specified order.
// Entries don't need to be consecutive (intervening entries are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if positions[event.Name] == 0 {
			positions[event.Name] = i + 1 // 1-indexed for readability
		}
	}

	for _, name := range assertion.Names {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all entries present: %v", assertion.Names),
				Actual:   fmt.Sprintf("missing entry: %s", name),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Names); i++ {
		prev := assertion.Names[i-1]
		curr := assertion.Names[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("entries in order: %v", assertion.Names),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count entries carry the name.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Name == assertion.Name {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d entries named %s", assertion.Count, assertion.Name),
			Actual:   fmt.Sprintf("%d entries", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertEffectCount checks how many times a side effect really happened.
// This is what separates a replayed call from a re-executed one.
func assertEffectCount(effects map[string]int, assertion Assertion) error {
	if got := effects[assertion.Effect]; got != assertion.Count {
		return &AssertionError{
			Type:     AssertEffectCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Effect),
			Actual:   fmt.Sprintf("%d occurrences (all effects: %s)", got, formatEffects(effects)),
		}
	}
	return nil
}

func formatEffects(effects map[string]int) string {
	keys := make([]string, 0, len(effects))
	for k := range effects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, effects[k])
	}
	return strings.Join(parts, ", ")
}

// assertFinalState checks that exactly one row of the table matches Where
// and carries the Expect values (subset semantics). Store tables are
// queried with parameterized SQL; orders and bookings come from Result.State.
func assertFinalState(ctx context.Context, db *sql.DB, result *Result, assertion Assertion) error {
	var (
		rows []map[string]any
		err  error
	)
	if table, ok := result.State[assertion.Table]; ok {
		rows = filterRows(stateRows(table), assertion.Where)
	} else {
		if !storeTables[assertion.Table] {
			return fmt.Errorf("unknown table %q for final_state", assertion.Table)
		}
		if db == nil {
			return fmt.Errorf("final_state on %s requires database context", assertion.Table)
		}
		rows, err = queryRows(ctx, db, assertion.Table, assertion.Where)
		if err != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("query table %s", assertion.Table),
				Actual:   fmt.Sprintf("query error: %v", err),
			}
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := rows[0]
	for key, expectedValue := range assertion.Expect {
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in row", key),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// stateRows turns an id -> status table into rows with id and status columns.
func stateRows(table map[string]string) []map[string]any {
	rows := make([]map[string]any, 0, len(table))
	for id, status := range table {
		rows = append(rows, map[string]any{"id": id, "status": status})
	}
	return rows
}

func filterRows(rows []map[string]any, where map[string]any) []map[string]any {
	var out []map[string]any
	for _, row := range rows {
		match := true
		for key, want := range where {
			if got, ok := row[key]; !ok || !stateValuesEqual(want, got) {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

// queryRows selects the rows of a store table matching where.
func queryRows(ctx context.Context, db *sql.DB, table string, where map[string]any) ([]map[string]any, error) {
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q: must match pattern %s", table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s", table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := db.QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// buildWhereClause constructs parameterized WHERE clause from where.
// Keys are sorted for determinism and validated as identifiers.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool, float64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual state values.
// SQLite hands back int64 for integers, 0/1 for booleans and either string
// or []byte for text.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	case int:
		return toInt64(actual) == int64(exp)
	case int64:
		return toInt64(actual) == exp
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return -1 << 63
}

// matchSubset reports whether actual contains expected: maps match when
// every expected key matches, everything else by deep equality.
// Both sides must already be normalized.
func matchSubset(actual, expected any) bool {
	expMap, ok := expected.(map[string]any)
	if !ok {
		return reflect.DeepEqual(actual, expected)
	}
	actMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, want := range expMap {
		got, exists := actMap[key]
		if !exists || !matchSubset(got, want) {
			return false
		}
	}
	return true
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx context.Context

	// DB backs final_state queries on store tables.
	DB *sql.DB

	// Scenario and Options let fresh_equivalent rerun the scenario.
	Scenario *Scenario
	Options  []Option
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	if actx == nil {
		actx = &AssertionContext{}
	}
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertEffectCount:
			err = assertEffectCount(result.Effects, assertion)
		case AssertFinalState:
			err = assertFinalState(ctx, actx.DB, result, assertion)
		case AssertFreshEquivalent:
			if actx.Scenario == nil {
				err = fmt.Errorf("assertion[%d]: fresh_equivalent requires the scenario", i)
			} else {
				err = assertFreshEquivalent(ctx, actx.Scenario, result, actx.Options)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
