package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on qidtrack_prepared_xacts.slot
const currentSchemaVersion = 1

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store is the host's execution backend: client statements run against it
// and the prepared transaction catalog lives in it.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// funcs are defined on every connection.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, funcs ...Function) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}

	driver := "sqlite3"
	if len(funcs) > 0 {
		driver = registerDriver(funcs)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: statements from all backends are serialized, and an
	// in-memory database is never dropped with an idle connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a statement that returns no rows and reports the rows affected.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Prepare compiles query without running it. The caller closes the statement.
func (s *Store) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return s.db.PrepareContext(ctx, query)
}

// Query runs query and reads every row into memory.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Run executes a prepared statement. Row-returning statements are read into
// memory; others report the rows affected.
func (s *Store) Run(ctx context.Context, stmt *sql.Stmt, returnsRows bool) (*ResultSet, error) {
	if returnsRows {
		rows, err := stmt.QueryContext(ctx)
		if err != nil {
			return nil, err
		}
		return collect(rows)
	}

	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	return &ResultSet{RowsAffected: n}, nil
}

// ExplainQueryPlan returns SQLite's plan for query, one detail line per row.
func (s *Store) ExplainQueryPlan(ctx context.Context, query string) ([]string, error) {
	rs, err := s.Query(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return nil, err
	}

	detail := len(rs.Columns) - 1
	for i, c := range rs.Columns {
		if strings.EqualFold(c, "detail") {
			detail = i
		}
	}

	lines := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if detail >= 0 && detail < len(row) {
			lines = append(lines, row[detail])
		}
	}
	return lines, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes prepared transactions by slot for recovery.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_prepared_xacts_slot
		ON qidtrack_prepared_xacts(slot)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
