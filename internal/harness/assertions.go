package harness

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// validIdentifier matches SQL identifiers. Table and column names cannot
// be bound as parameters, so they are checked against it before use.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", ev)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the run's store.
type AssertionContext struct {
	Ctx context.Context
	DB  *sql.DB

	// Resolve replaces $references in where and expect clauses. It may
	// be nil.
	Resolve func(map[string]any) (map[string]any, error)
}

// EvaluateAssertions evaluates every assertion and returns one message
// per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			if actx == nil || actx.DB == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertTraceContains checks that an event of the type carries every
// given field.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type == a.Event && matchFields(ev, a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event %s with fields %s", a.Event, formatConditions(a.Fields)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the event types occur in order. Other
// events may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for i, want := range a.Events {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Type == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual:   fmt.Sprintf("no %s after %v", want, a.Events[:i]),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many events of the type match the fields.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == a.Event && matchFields(ev, a.Fields) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s %s", a.Count, a.Event, formatConditions(a.Fields)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// matchFields reports whether ev carries every expected field. Extra
// fields on the event are ignored.
func matchFields(ev TraceEvent, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := ev.Get(key)
		if !ok || got != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// assertFinalState queries a store table. Without a count exactly one
// row must match where; with one, that many rows must match. Every
// matched row must hold the expected values.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	where, expect := a.Where, a.Expect
	if actx.Resolve != nil {
		var err error
		if where, err = actx.Resolve(a.Where); err != nil {
			return fmt.Errorf("final_state %s: %w", a.Table, err)
		}
		if expect, err = actx.Resolve(a.Expect); err != nil {
			return fmt.Errorf("final_state %s: %w", a.Table, err)
		}
	}

	whereSQL, args, err := buildWhereClause(where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + a.Table
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := queryRows(actx.Ctx, actx.DB, query, args...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatConditions(where)
	switch {
	case a.Count > 0 && len(rows) != a.Count:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d rows in %s where %s", a.Count, a.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	case a.Count == 0 && len(rows) == 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, whereDesc),
			Actual:   "row not found",
		}
	case a.Count == 0 && len(rows) > 1:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	for _, row := range rows {
		for key, want := range expect {
			got, ok := row[key]
			if !ok {
				return &AssertionError{
					Type:     AssertFinalState,
					Expected: fmt.Sprintf("field %q to exist", key),
					Actual:   fmt.Sprintf("field %q not present in %s", key, a.Table),
				}
			}
			if !stateValuesEqual(want, got) {
				return &AssertionError{
					Type:     AssertFinalState,
					Expected: fmt.Sprintf("field %q = %v (type %T)", key, want, want),
					Actual:   fmt.Sprintf("field %q = %v (type %T)", key, got, got),
				}
			}
		}
	}
	return nil
}

func queryRows(ctx context.Context, db *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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

// buildWhereClause returns a parameterized WHERE fragment. Keys are
// sorted so the query text is deterministic.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML scalar to a bindable value. Booleans bind as
// 0 or 1 since that is how the store writes them.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, uint64, float64:
		return val
	case bool:
		if val {
			return 1
		}
		return 0
	}
	return fmt.Sprint(v)
}

func formatConditions(m map[string]any) string {
	if len(m) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// stateValuesEqual compares a YAML value with a scanned SQLite value.
// Amounts are stored as text and flags as integers, so numbers compare
// against text by their decimal form and booleans against 0 or 1.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch act := actual.(type) {
	case string:
		return fmt.Sprint(expected) == act
	case int64:
		switch exp := expected.(type) {
		case bool:
			return exp == (act != 0)
		case int:
			return int64(exp) == act
		case int64:
			return exp == act
		case uint64:
			return act >= 0 && exp == uint64(act)
		case string:
			return exp == strconv.FormatInt(act, 10)
		}
		return false
	case float64:
		switch exp := expected.(type) {
		case float64:
			return exp == act
		case int:
			return float64(exp) == act
		}
		return false
	case bool:
		exp, ok := expected.(bool)
		return ok && exp == act
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}
