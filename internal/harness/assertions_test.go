package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qidtrack/internal/store"
)

func traceOf(recorded ...int64) []TraceEvent {
	trace := make([]TraceEvent, len(recorded))
	for i, id := range recorded {
		trace[i] = TraceEvent{Seq: int64(i + 1), Session: "s", PID: 1005, Action: ActionExec, Recorded: id}
	}
	return trace
}

func TestAssertSameID_Equal(t *testing.T) {
	trace := traceOf(42, 7, 42)
	err := assertSameID(trace, Assertion{Type: AssertSameID, Steps: []int64{1, 3}})
	assert.NoError(t, err)
}

func TestAssertSameID_Different(t *testing.T) {
	trace := traceOf(42, 7)
	err := assertSameID(trace, Assertion{Type: AssertSameID, Steps: []int64{1, 2}})
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok, "error should be *AssertionError")
	assert.Equal(t, AssertSameID, assertErr.Type)
	assert.Contains(t, assertErr.Actual, "step 1 recorded 42, step 2 recorded 7")
	assert.Len(t, assertErr.Trace, 2)
}

func TestAssertSameID_StepDidNotRun(t *testing.T) {
	trace := traceOf(42)
	err := assertSameID(trace, Assertion{Type: AssertSameID, Steps: []int64{1, 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 2 did not run")
}

func TestAssertDistinctIDs_AllDifferent(t *testing.T) {
	trace := traceOf(1, 2, 3)
	err := assertDistinctIDs(trace, Assertion{Type: AssertDistinctIDs, Steps: []int64{1, 2, 3}})
	assert.NoError(t, err)
}

func TestAssertDistinctIDs_Duplicate(t *testing.T) {
	trace := traceOf(5, 6, 5)
	err := assertDistinctIDs(trace, Assertion{Type: AssertDistinctIDs, Steps: []int64{1, 2, 3}})
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, AssertDistinctIDs, assertErr.Type)
	assert.Contains(t, assertErr.Actual, "steps 1 and 3 both recorded 5")
}

func TestValidateAssertion(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"same_id ok", Assertion{Type: AssertSameID, Steps: []int64{1, 2}}, ""},
		{"missing type", Assertion{}, "type is required"},
		{"one step", Assertion{Type: AssertSameID, Steps: []int64{1}}, "at least two steps"},
		{"step out of range", Assertion{Type: AssertDistinctIDs, Steps: []int64{1, 4}}, "step 4 out of range 1..3"},
		{"step zero", Assertion{Type: AssertDistinctIDs, Steps: []int64{0, 1}}, "out of range"},
		{"final_state without table", Assertion{Type: AssertFinalState, Expect: map[string]any{"a": 1}}, "table is required"},
		{"final_state without expect", Assertion{Type: AssertFinalState, Table: "t"}, "expect is required"},
		{"unknown type", Assertion{Type: "trace_contains"}, "unknown assertion type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAssertion(0, &tt.assertion, 3)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	result := NewResult()
	result.Trace = traceOf(9, 9, 3)

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertSameID, Steps: []int64{1, 2}},
		{Type: AssertDistinctIDs, Steps: []int64{2, 3}},
	}, nil)
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	result := NewResult()
	result.Trace = traceOf(9, 9, 3)

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertSameID, Steps: []int64{1, 3}},
		{Type: AssertDistinctIDs, Steps: []int64{1, 2}},
		{Type: AssertSameID, Steps: []int64{1, 2}},
	}, nil)
	assert.Len(t, errs, 2)
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "bogus"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown assertion type")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertSameID,
		Expected: "steps [1 2] to record the same identifier",
		Actual:   "step 1 recorded 1, step 2 recorded 2",
		Trace: []TraceEvent{
			{Seq: 1, Session: "alice", PID: 1005, Action: ActionExec, Exec: "SELECT 1", Recorded: 1},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: same_id")
	assert.Contains(t, msg, "Expected: steps [1 2] to record the same identifier")
	assert.Contains(t, msg, "Actual: step 1 recorded 1, step 2 recorded 2")
	assert.Contains(t, msg, `[1] alice (pid 1005) exec "SELECT 1" -> 1`)
}

func TestBuildWhereClause_Empty(t *testing.T) {
	sql, args, err := buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)
}

func TestBuildWhereClause_MultipleKeys_SortedDeterministic(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"zeta": 1, "alpha": "a", "mid": true})
	require.NoError(t, err)
	assert.Equal(t, "alpha = ? AND mid = ? AND zeta = ?", sql)
	assert.Equal(t, []any{"a", true, 1}, args)
}

func TestBuildWhereClause_InvalidColumnName(t *testing.T) {
	_, _, err := buildWhereClause(map[string]any{"id; DROP TABLE t": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid column name")
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "a=1 AND b=x", formatWhereClause(map[string]any{"b": "x", "a": 1}))
}

func TestFormatExpected(t *testing.T) {
	assert.Equal(t, store.NullText, formatExpected(nil))
	assert.Equal(t, "1", formatExpected(true))
	assert.Equal(t, "0", formatExpected(false))
	assert.Equal(t, "10", formatExpected(10))
	assert.Equal(t, "gadget", formatExpected("gadget"))
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestTable(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.DB().Exec(`
		CREATE TABLE test_items (
			item_id TEXT PRIMARY KEY,
			quantity INTEGER,
			status TEXT
		)
	`)
	require.NoError(t, err)
}

func TestAssertFinalState_RowFound_Pass(t *testing.T) {
	st := setupTestStore(t)
	createTestTable(t, st)

	_, err := st.DB().Exec(`INSERT INTO test_items (item_id, quantity, status) VALUES (?, ?, ?)`,
		"widget", 10, "available")
	require.NoError(t, err)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "test_items",
		Where:  map[string]any{"item_id": "widget"},
		Expect: map[string]any{"quantity": 10, "status": "available"},
	}

	assert.NoError(t, assertFinalState(context.Background(), st, assertion))
}

func TestAssertFinalState_NullColumn(t *testing.T) {
	st := setupTestStore(t)
	createTestTable(t, st)

	_, err := st.DB().Exec(`INSERT INTO test_items (item_id) VALUES ('widget')`)
	require.NoError(t, err)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "test_items",
		Where:  map[string]any{"item_id": "widget"},
		Expect: map[string]any{"status": nil},
	}

	assert.NoError(t, assertFinalState(context.Background(), st, assertion))
}

func TestAssertFinalState_RowNotFound_Fail(t *testing.T) {
	st := setupTestStore(t)
	createTestTable(t, st)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "test_items",
		Where:  map[string]any{"item_id": "widget"},
		Expect: map[string]any{"quantity": 10},
	}

	err := assertFinalState(context.Background(), st, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "row not found", assertErr.Actual)
}

func TestAssertFinalState_Ambiguous_Fail(t *testing.T) {
	st := setupTestStore(t)
	createTestTable(t, st)

	_, err := st.DB().Exec(`INSERT INTO test_items (item_id, status) VALUES ('a', 'x'), ('b', 'x')`)
	require.NoError(t, err)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "test_items",
		Where:  map[string]any{"status": "x"},
		Expect: map[string]any{"status": "x"},
	}

	err = assertFinalState(context.Background(), st, assertion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 rows matched")
}

func TestAssertFinalState_ValueMismatch_Fail(t *testing.T) {
	st := setupTestStore(t)
	createTestTable(t, st)

	_, err := st.DB().Exec(`INSERT INTO test_items (item_id, quantity) VALUES ('widget', 5)`)
	require.NoError(t, err)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "test_items",
		Where:  map[string]any{"item_id": "widget"},
		Expect: map[string]any{"quantity": 10},
	}

	err = assertFinalState(context.Background(), st, assertion)
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, "test_items.quantity = 10", assertErr.Expected)
	assert.Equal(t, "test_items.quantity = 5", assertErr.Actual)
}

func TestAssertFinalState_MissingColumn_Fail(t *testing.T) {
	st := setupTestStore(t)
	createTestTable(t, st)

	_, err := st.DB().Exec(`INSERT INTO test_items (item_id) VALUES ('widget')`)
	require.NoError(t, err)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "test_items",
		Where:  map[string]any{"item_id": "widget"},
		Expect: map[string]any{"color": "red"},
	}

	err = assertFinalState(context.Background(), st, assertion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "color" to exist`)
}

func TestAssertFinalState_TableNotFound_Fail(t *testing.T) {
	st := setupTestStore(t)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "missing_table",
		Expect: map[string]any{"a": 1},
	}

	err := assertFinalState(context.Background(), st, assertion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query error")
}

func TestAssertFinalState_InvalidTableName(t *testing.T) {
	st := setupTestStore(t)

	assertion := Assertion{
		Type:   AssertFinalState,
		Table:  "t; DROP TABLE t",
		Expect: map[string]any{"a": 1},
	}

	err := assertFinalState(context.Background(), st, assertion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestEvaluateAssertions_FinalStateWithoutContext_Fail(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Table: "t", Expect: map[string]any{"a": 1}},
	}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires database context")
}
