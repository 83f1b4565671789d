package store

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

// Function is a scalar SQL function callable from client statements.
type Function struct {
	Name string

	// Impl is a Go func as accepted by sqlite3.SQLiteConn.RegisterFunc.
	Impl any

	// Pure marks the function deterministic, letting SQLite fold calls.
	Pure bool
}

// driverSeq names the per-store drivers; database/sql drivers cannot be
// unregistered, so every name is used once.
var driverSeq atomic.Int64

// registerDriver registers a sqlite3 driver whose connections define funcs
// and returns its name.
func registerDriver(funcs []Function) string {
	name := fmt.Sprintf("sqlite3_qidtrack_%d", driverSeq.Add(1))
	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, f := range funcs {
				if err := conn.RegisterFunc(f.Name, f.Impl, f.Pure); err != nil {
					return fmt.Errorf("register function %s: %w", f.Name, err)
				}
			}
			return nil
		},
	})
	return name
}
