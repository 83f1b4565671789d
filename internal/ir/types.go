package ir

import (
	"context"
	"fmt"
	"sync/atomic"
)

// QueryID is the 64-bit identifier attached to one unit of submitted work.
type QueryID uint64

// Reserved identifier values.
const (
	// InvalidQueryID means no identifier has been recorded.
	InvalidQueryID QueryID = 0

	// ReservedStatementQueryID is used by the host for statements whose
	// jumble hashes to zero. The utility fallback must not collide with it.
	ReservedStatementQueryID QueryID = 1

	// UtilityFallbackQueryID replaces a utility hash that came out as zero.
	UtilityFallbackQueryID QueryID = 2
)

// String renders the identifier the way the host prints signed bigints.
func (id QueryID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// CommandType classifies a parsed statement.
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdSelect
	CmdUpdate
	CmdInsert
	CmdDelete
	CmdUtility
)

var commandTypeNames = map[CommandType]string{
	CmdUnknown: "unknown",
	CmdSelect:  "select",
	CmdUpdate:  "update",
	CmdInsert:  "insert",
	CmdDelete:  "delete",
	CmdUtility: "utility",
}

func (c CommandType) String() string {
	if name, ok := commandTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// IsDML reports whether the command reads or writes table data and therefore
// goes through the planner and executor.
func (c CommandType) IsDML() bool {
	switch c {
	case CmdSelect, CmdUpdate, CmdInsert, CmdDelete:
		return true
	}
	return false
}

// ProcKind identifies which region of the process table a slot belongs to.
type ProcKind int

const (
	ProcBackend ProcKind = iota
	ProcAuxiliary
	ProcPreparedXact
)

func (k ProcKind) String() string {
	switch k {
	case ProcBackend:
		return "backend"
	case ProcAuxiliary:
		return "auxiliary"
	case ProcPreparedXact:
		return "prepared_xact"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Proc is one entry of the host's process table.
//
// The host owns Proc values: it assigns the index once when the table is
// built and sets or clears the pid as slots are taken and released. A pid of
// zero means the slot is not live. Pid reads and writes are atomic so that a
// lookup may scan the table while backends come and go.
type Proc struct {
	index int
	kind  ProcKind
	pid   atomic.Int32
}

// NewProc creates a table entry at the given index.
func NewProc(index int, kind ProcKind) *Proc {
	return &Proc{index: index, kind: kind}
}

// Index returns the slot position in the process table.
func (p *Proc) Index() int { return p.index }

// Kind returns the table region this slot belongs to.
func (p *Proc) Kind() ProcKind { return p.kind }

// PID returns the process id currently holding the slot, or 0.
func (p *Proc) PID() int32 { return p.pid.Load() }

// SetPID marks the slot as owned by pid. Passing 0 releases the slot.
func (p *Proc) SetPID(pid int32) { p.pid.Store(pid) }

// Live reports whether the slot is held by a process.
func (p *Proc) Live() bool { return p.pid.Load() != 0 }

// ProcArray is the read-only view of the host's process table.
type ProcArray interface {
	// NumProcs returns the total configured slot count.
	NumProcs() int

	// ProcAt returns the entry at index i (0 <= i < NumProcs).
	ProcAt(i int) *Proc
}

// ParseState is the context of one parse-analysis call.
type ParseState struct {
	// Proc is the parsing backend's slot, nil when the backend has not been
	// registered in the process table yet.
	Proc *Proc

	// SourceText is the full text submitted by the client. It may contain
	// several statements.
	SourceText string
}

// Query is the analyzed form of one statement.
type Query struct {
	CommandType CommandType

	// QueryID is the natively computed identifier, 0 when none.
	QueryID QueryID

	// StmtLocation is the byte offset of the statement in the source text,
	// -1 when unknown.
	StmtLocation int

	// StmtLen is the statement length in bytes; 0 means "rest of string".
	StmtLen int
}

// PlannedStmt is the executor's plan for a DML statement.
type PlannedStmt struct {
	CommandType CommandType
	QueryID     QueryID

	// StmtLocation and StmtLen locate the planned statement in the source
	// text, with the same conventions as Query.
	StmtLocation int
	StmtLen      int
}

// Executor start flags.
const (
	// ExecFlagExplainOnly marks an executor start that only explains the plan.
	ExecFlagExplainOnly = 1 << iota
)

// QueryDesc describes one executor run.
type QueryDesc struct {
	// Proc is the executing backend's slot, nil when unregistered.
	Proc *Proc

	SourceText string
	Plan       *PlannedStmt

	// Prepared is filled in by the host's standard executor start.
	Prepared any
}

// Hook function signatures for the host's lifecycle points.
type (
	// ShmemStartupFunc runs once the shared segment is created.
	ShmemStartupFunc func() error

	// PostParseAnalyzeFunc runs after each statement is analyzed.
	PostParseAnalyzeFunc func(ps *ParseState, q *Query)

	// ExecutorStartFunc runs when a plan is handed to the executor.
	ExecutorStartFunc func(ctx context.Context, qd *QueryDesc, eflags int) error
)
