package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/store"
)

// explainColumn is the column name of EXPLAIN output.
const explainColumn = "QUERY PLAN"

// StatementResult is the outcome of one statement.
type StatementResult struct {
	// Statement is the trimmed statement text.
	Statement string `json:"statement" yaml:"statement"`

	// Tag is the command tag, e.g. "SELECT" or "CREATE TABLE".
	Tag string `json:"tag" yaml:"tag"`

	Command ir.CommandType `json:"-" yaml:"-"`

	// QueryID is the identifier the host attached to the statement: the
	// planned id for DML, 0 for utility commands.
	QueryID ir.QueryID `json:"query_id" yaml:"query_id"`

	store.ResultSet `yaml:",inline"`
}

// Backend is one client session holding a regular process slot.
//
// Thread-safety: Exec and Close serialize on the backend's mutex; a backend
// is meant to be driven by one goroutine at a time, like a connection.
type Backend struct {
	srv       *Server
	proc      *ir.Proc
	pid       int32
	sessionID string
	name      string
	role      config.Role

	mu     sync.Mutex
	inXact bool
	closed bool
}

// PID returns the backend's process id.
func (b *Backend) PID() int32 { return b.pid }

// SessionID returns the backend's session id.
func (b *Backend) SessionID() string { return b.sessionID }

// Proc returns the backend's process table entry.
func (b *Backend) Proc() *ir.Proc { return b.proc }

// Name returns the label given at Connect.
func (b *Backend) Name() string { return b.name }

// InTransaction reports whether a transaction block is open.
func (b *Backend) InTransaction() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inXact
}

// Close releases the backend's slot. Calling Close again is a no-op.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.srv.release(b)

	b.srv.logger.Debug("backend closed", "pid", b.pid, "session", b.sessionID)
}

// Exec runs every statement of src in order. Execution stops at the first
// failing statement; the results of the statements before it are returned
// together with the error.
func (b *Backend) Exec(ctx context.Context, src string) ([]StatementResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &ServerError{Code: ErrCodeConnectionClosed, Message: "connection is closed", PID: b.pid}
	}
	if !b.srv.Running() {
		return nil, &ServerError{Code: ErrCodeServerNotRunning, Message: "server is not running", PID: b.pid}
	}

	stmts, err := SplitStatements(src)
	if err != nil {
		return nil, b.annotate(err, "")
	}

	results := make([]StatementResult, 0, len(stmts))
	for _, st := range stmts {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := b.execStatement(ctx, src, st)
		if err != nil {
			return results, b.annotate(err, st.Text)
		}
		results = append(results, res)
	}
	return results, nil
}

// annotate fills in the backend pid and statement text on server errors.
func (b *Backend) annotate(err error, text string) error {
	var se *ServerError
	if errors.As(err, &se) {
		if se.PID == 0 {
			se.PID = b.pid
		}
		if se.Statement == "" {
			se.Statement = text
		}
	}
	return err
}

// execStatement analyzes one statement, fires the post-parse chain and
// dispatches on the statement kind.
func (b *Backend) execStatement(ctx context.Context, src string, st Statement) (StatementResult, error) {
	p, err := parseStatement(st.tokens)
	if err != nil {
		return StatementResult{}, err
	}

	q := &ir.Query{
		CommandType:  p.command,
		StmtLocation: st.Location,
		StmtLen:      st.Length,
	}
	if p.kind == kindDML {
		q.QueryID = b.srv.nativeQueryID(p.tokens)
	}

	b.srv.postParse.Func()(&ir.ParseState{Proc: b.proc, SourceText: src}, q)

	res := StatementResult{
		Statement: st.Text,
		Tag:       p.tag,
		Command:   p.command,
		QueryID:   q.QueryID,
	}

	switch p.kind {
	case kindDML:
		rs, err := b.execDML(ctx, src, q, p.command)
		if err != nil {
			return res, err
		}
		res.ResultSet = *rs

	case kindExplain:
		rs, err := b.execExplain(ctx, src, st, p)
		if err != nil {
			return res, err
		}
		res.ResultSet = *rs

	case kindSet:
		if err := b.srv.settings.Set(p.name, p.value, b.role); err != nil {
			return res, settingError(err)
		}
	case kindReset:
		if err := b.srv.settings.Reset(p.name, b.role); err != nil {
			return res, settingError(err)
		}
	case kindShow:
		v, err := b.srv.settings.Show(p.name)
		if err != nil {
			return res, settingError(err)
		}
		res.Columns = []string{p.name}
		res.Rows = [][]string{{v}}

	case kindBegin:
		b.inXact = true
	case kindCommit, kindRollback:
		b.inXact = false

	case kindPrepareXact:
		if !b.inXact {
			return res, newServerError(ErrCodeNoActiveTransaction, "there is no transaction in progress")
		}
		b.inXact = false
		if err := b.srv.prepareXact(ctx, p.gid, b); err != nil {
			return res, err
		}
	case kindCommitPrepared, kindRollbackPrepared:
		if err := b.srv.finishPreparedXact(ctx, p.gid); err != nil {
			return res, err
		}

	case kindNoop:
		// acknowledged

	default:
		n, err := b.srv.Store().Exec(ctx, st.Text)
		if err != nil {
			return res, NewExecutionError(st.Text, err)
		}
		res.RowsAffected = n
	}

	return res, nil
}

// startExecutor builds the plan for q and runs the executor-start chain.
func (b *Backend) startExecutor(ctx context.Context, src string, q *ir.Query, cmd ir.CommandType, eflags int) (*ir.QueryDesc, error) {
	qd := &ir.QueryDesc{
		Proc:       b.proc,
		SourceText: src,
		Plan: &ir.PlannedStmt{
			CommandType:  cmd,
			QueryID:      q.QueryID,
			StmtLocation: q.StmtLocation,
			StmtLen:      q.StmtLen,
		},
	}
	if err := b.srv.executorStart.Func()(ctx, qd, eflags); err != nil {
		closePrepared(qd)
		return nil, err
	}
	return qd, nil
}

func (b *Backend) execDML(ctx context.Context, src string, q *ir.Query, cmd ir.CommandType) (*store.ResultSet, error) {
	qd, err := b.startExecutor(ctx, src, q, cmd, 0)
	if err != nil {
		return nil, err
	}
	defer closePrepared(qd)
	return b.runPlan(ctx, qd)
}

func (b *Backend) runPlan(ctx context.Context, qd *ir.QueryDesc) (*store.ResultSet, error) {
	stmt, ok := qd.Prepared.(*sql.Stmt)
	if !ok || stmt == nil {
		return nil, errors.New("executor start did not prepare the statement")
	}

	text := ir.StatementText(qd.SourceText, qd.Plan.StmtLocation, qd.Plan.StmtLen)
	rs, err := b.srv.Store().Run(ctx, stmt, qd.Plan.CommandType == ir.CmdSelect)
	if err != nil {
		return nil, NewExecutionError(text, err)
	}
	return rs, nil
}

// execExplain explains the inner DML statement. The outer EXPLAIN has
// already gone through post-parse as a utility command; the inner plan then
// passes through executor start, which records its identifier.
func (b *Backend) execExplain(ctx context.Context, src string, st Statement, p *parsedStmt) (*store.ResultSet, error) {
	inner := p.inner
	loc := inner.tokens[0].pos
	length := 0
	if st.Length > 0 {
		length = st.Location + st.Length - loc
	}

	q := &ir.Query{
		CommandType:  inner.command,
		QueryID:      b.srv.nativeQueryID(inner.tokens),
		StmtLocation: loc,
		StmtLen:      length,
	}

	eflags := ir.ExecFlagExplainOnly
	if p.analyze {
		eflags = 0
	}

	qd, err := b.startExecutor(ctx, src, q, inner.command, eflags)
	if err != nil {
		return nil, err
	}
	defer closePrepared(qd)

	if p.analyze {
		if _, err := b.runPlan(ctx, qd); err != nil {
			return nil, err
		}
	}

	text := ir.StatementText(src, loc, length)
	lines, err := b.srv.Store().ExplainQueryPlan(ctx, text)
	if err != nil {
		return nil, NewExecutionError(text, err)
	}

	rs := &store.ResultSet{Columns: []string{explainColumn}}
	for _, line := range lines {
		rs.Rows = append(rs.Rows, []string{line})
	}
	return rs, nil
}
