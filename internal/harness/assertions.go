package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/qidtrack/internal/store"
)

// Assertion type constants.
const (
	AssertSameID      = "same_id"
	AssertDistinctIDs = "distinct_ids"
	AssertFinalState  = "final_state"
)

// Assertion validates the finished trace or the final database state.
type Assertion struct {
	// Type is one of:
	// - "same_id": the recorded values after the listed steps are all equal
	// - "distinct_ids": the recorded values after the listed steps all differ
	// - "final_state": a row of Table matching Where has the Expect values
	Type string `yaml:"type"`

	// Steps are 1-based step numbers (same_id, distinct_ids).
	Steps []int64 `yaml:"steps,omitempty"`

	// Table is the table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies row filters (final_state). All must match.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state).
	// Subset match - only listed columns are checked.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers cannot be bound as parameters, so only this shape is
// interpolated into queries.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Steps involved, for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s (pid %d) %s %q -> %d\n",
				ev.Seq, ev.Session, ev.PID, ev.Action, ev.Exec, ev.Recorded)
		}
	}

	return buf.String()
}

func validateAssertion(index int, a *Assertion, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSameID, AssertDistinctIDs:
		if len(a.Steps) < 2 {
			return fmt.Errorf("assertions[%d]: at least two steps are required for %s", index, a.Type)
		}
		for _, s := range a.Steps {
			if s < 1 || s > int64(steps) {
				return fmt.Errorf("assertions[%d]: step %d out of range 1..%d", index, s, steps)
			}
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// stepEvents returns the trace events of the listed steps.
func stepEvents(trace []TraceEvent, steps []int64) ([]TraceEvent, error) {
	out := make([]TraceEvent, 0, len(steps))
	for _, s := range steps {
		idx := int(s) - 1
		if idx < 0 || idx >= len(trace) {
			return nil, fmt.Errorf("step %d did not run", s)
		}
		out = append(out, trace[idx])
	}
	return out, nil
}

// assertSameID checks that the listed steps recorded one identifier.
func assertSameID(trace []TraceEvent, assertion Assertion) error {
	events, err := stepEvents(trace, assertion.Steps)
	if err != nil {
		return err
	}

	for _, ev := range events[1:] {
		if ev.Recorded != events[0].Recorded {
			return &AssertionError{
				Type:     AssertSameID,
				Expected: fmt.Sprintf("steps %v to record the same identifier", assertion.Steps),
				Actual:   fmt.Sprintf("step %d recorded %d, step %d recorded %d", events[0].Seq, events[0].Recorded, ev.Seq, ev.Recorded),
				Trace:    events,
			}
		}
	}
	return nil
}

// assertDistinctIDs checks that the listed steps recorded pairwise
// different identifiers.
func assertDistinctIDs(trace []TraceEvent, assertion Assertion) error {
	events, err := stepEvents(trace, assertion.Steps)
	if err != nil {
		return err
	}

	seen := make(map[int64]int64, len(events))
	for _, ev := range events {
		if prev, dup := seen[ev.Recorded]; dup {
			return &AssertionError{
				Type:     AssertDistinctIDs,
				Expected: fmt.Sprintf("steps %v to record different identifiers", assertion.Steps),
				Actual:   fmt.Sprintf("steps %d and %d both recorded %d", prev, ev.Seq, ev.Recorded),
				Trace:    events,
			}
		}
		seen[ev.Recorded] = ev.Seq
	}
	return nil
}

// assertFinalState checks that exactly one row of the table matches Where
// and holds the expected values. Values are compared in their text form.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rs, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	switch len(rs.Rows) {
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
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rs.Rows)),
		}
	}

	row := make(map[string]string, len(rs.Columns))
	for i, col := range rs.Columns {
		row[col] = rs.Rows[0][i]
	}

	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %q to exist", key),
				Actual:   fmt.Sprintf("columns are %v", rs.Columns),
			}
		}

		expected := formatExpected(assertion.Expect[key])
		if expected != actual {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", assertion.Table, key, expected),
				Actual:   fmt.Sprintf("%s.%s = %s", assertion.Table, key, actual),
			}
		}
	}

	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for deterministic query text.
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
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, where[key])
	}

	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// formatExpected renders an expected YAML value the way ResultSet renders
// the stored value.
func formatExpected(v any) string {
	switch x := v.(type) {
	case nil:
		return store.NullText
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertSameID:
			err = assertSameID(result.Trace, assertion)
		case AssertDistinctIDs:
			err = assertDistinctIDs(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
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
