package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	err = s2.db.QueryRow("SELECT COUNT(*) FROM qidtrack_prepared_xacts").Scan(&count)
	if err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_EmptyPathIsMemory(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Exec(context.Background(), "CREATE TABLE t (a INTEGER)")
	require.NoError(t, err)

	// The single pooled connection keeps the in-memory database alive.
	rs, err := s.Query(context.Background(), "SELECT COUNT(*) FROM t")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"0"}}, rs.Rows)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	db.Close()

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var name string
	err = s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_prepared_xacts_slot'",
	).Scan(&name)
	require.NoError(t, err)
}

func TestExecAndQuery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT, balance REAL)")
	require.NoError(t, err)

	n, err := s.Exec(ctx, "INSERT INTO accounts (name, balance) VALUES ('alice', 1.5), ('bob', NULL)")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rs, err := s.Query(ctx, "SELECT id, name, balance FROM accounts ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "balance"}, rs.Columns)
	assert.Equal(t, [][]string{
		{"1", "alice", "1.5"},
		{"2", "bob", NullText},
	}, rs.Rows)
}

func TestPrepareAndRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "CREATE TABLE t (a INTEGER)")
	require.NoError(t, err)

	ins, err := s.Prepare(ctx, "INSERT INTO t VALUES (7)")
	require.NoError(t, err)
	defer ins.Close()

	rs, err := s.Run(ctx, ins, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rs.RowsAffected)

	sel, err := s.Prepare(ctx, "SELECT a FROM t")
	require.NoError(t, err)
	defer sel.Close()

	rs, err = s.Run(ctx, sel, true)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"7"}}, rs.Rows)
}

func TestPrepare_RejectsUnknownTable(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Prepare(context.Background(), "SELECT * FROM missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such table")
}

func TestExplainQueryPlan(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Exec(ctx, "CREATE TABLE t (a INTEGER)")
	require.NoError(t, err)

	lines, err := s.ExplainQueryPlan(ctx, "SELECT a FROM t")
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "SCAN")
}

func TestPreparedXacts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePreparedXact(ctx, PreparedXact{GID: "b", Slot: 9, OwnerPID: 10001, PreparedBy: "alice", Seq: 2}))
	require.NoError(t, s.SavePreparedXact(ctx, PreparedXact{GID: "a", Slot: 8, OwnerPID: 10002, PreparedBy: "bob", Seq: 2}))
	require.NoError(t, s.SavePreparedXact(ctx, PreparedXact{GID: "c", Slot: 7, OwnerPID: 10001, PreparedBy: "alice", Seq: 1}))

	err := s.SavePreparedXact(ctx, PreparedXact{GID: "a", Slot: 6, Seq: 3})
	assert.ErrorIs(t, err, ErrDuplicateGID)

	list, err := s.ListPreparedXacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].GID)
	assert.Equal(t, "a", list[1].GID)
	assert.Equal(t, "b", list[2].GID)
	assert.Equal(t, int32(10002), list[1].OwnerPID)

	require.NoError(t, s.UpdatePreparedSlot(ctx, "b", 5))

	found, err := s.DeletePreparedXact(ctx, "c")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.DeletePreparedXact(ctx, "c")
	require.NoError(t, err)
	assert.False(t, found)

	list, err = s.ListPreparedXacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 5, list[1].Slot)
}

func TestListPreparedXacts_TiesOrderByBinaryGID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, gid := range []string{"b", "a", "B", "_"} {
		require.NoError(t, s.SavePreparedXact(ctx, PreparedXact{GID: gid, Slot: i, Seq: 4}))
	}

	list, err := s.ListPreparedXacts(ctx)
	require.NoError(t, err)

	var gids []string
	for _, x := range list {
		gids = append(gids, x.GID)
	}
	assert.Equal(t, []string{"B", "_", "a", "b"}, gids)
}

func TestPreparedXacts_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SavePreparedXact(ctx, PreparedXact{GID: "tx1", Slot: 3, OwnerPID: 42, PreparedBy: "alice", Seq: 1}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	list, err := s2.ListPreparedXacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, PreparedXact{GID: "tx1", Slot: 3, OwnerPID: 42, PreparedBy: "alice", Seq: 1}, list[0])
}

func TestOpen_RegistersFunctions(t *testing.T) {
	calls := 0
	s, err := Open(MemoryPath, Function{
		Name: "double_it",
		Impl: func(v int64) int64 {
			calls++
			return v * 2
		},
	})
	require.NoError(t, err)
	defer s.Close()

	rs, err := s.Query(context.Background(), "SELECT double_it(21) AS v")
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, rs.Columns)
	assert.Equal(t, [][]string{{"42"}}, rs.Rows)
	assert.Equal(t, 1, calls)
}

func TestOpen_FunctionsArePerStore(t *testing.T) {
	a, err := Open(MemoryPath, Function{Name: "which_store", Impl: func() string { return "a" }})
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(MemoryPath, Function{Name: "which_store", Impl: func() string { return "b" }})
	require.NoError(t, err)
	defer b.Close()

	rsA, err := a.Query(context.Background(), "SELECT which_store()")
	require.NoError(t, err)
	rsB, err := b.Query(context.Background(), "SELECT which_store()")
	require.NoError(t, err)

	assert.Equal(t, "a", rsA.Rows[0][0])
	assert.Equal(t, "b", rsB.Rows[0][0])

	plain := createTestStore(t)
	_, err = plain.Query(context.Background(), "SELECT which_store()")
	assert.Error(t, err)
}
