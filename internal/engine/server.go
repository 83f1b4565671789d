package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/hooks"
	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/shmem"
	"github.com/roach88/qidtrack/internal/store"
)

// ComputeQueryIDSetting turns native identifier computation for DML on or off.
const ComputeQueryIDSetting = "compute_query_id"

// auxiliaryNames name the auxiliary slots in table order.
var auxiliaryNames = [ir.NumAuxiliaryProcs]string{
	"checkpointer",
	"background writer",
	"walwriter",
	"startup",
	"archiver",
}

// Server lifecycle states.
const (
	statePreload int32 = iota
	stateRunning
	stateStopped
)

// Library is an extension loaded into the server during preload.
type Library interface {
	Name() string
	Load() error
	Unload()
}

// FunctionProvider is implemented by libraries that define SQL functions.
// The functions become callable from statements once the server starts.
type FunctionProvider interface {
	SQLFunctions() []store.Function
}

// Config sizes and configures a server.
type Config struct {
	// Limits sizes the process table.
	Limits ir.HostLimits

	// DBPath is the SQLite database statements run against.
	// Empty means a private in-memory database.
	DBPath string

	// Settings are applied with superuser rights before any library loads.
	// Values for extension settings are kept as placeholders.
	Settings map[string]string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithSegment uses seg as the shared segment instead of a fresh one.
// Passing the segment of a stopped server restarts on its registry.
func WithSegment(seg *shmem.Segment) Option {
	return func(s *Server) {
		s.segment = seg
	}
}

// WithSessionGenerator sets the session id generator.
// Defaults to UUIDv7Generator.
func WithSessionGenerator(g SessionGenerator) Option {
	return func(s *Server) {
		s.sessions = g
	}
}

// WithFirstPID sets the first process id handed out at Start.
// Defaults to config.DefaultFirstPID.
func WithFirstPID(pid int32) Option {
	return func(s *Server) {
		s.firstPID = pid
	}
}

// procTable is the host's process table.
type procTable []*ir.Proc

func (t procTable) NumProcs() int         { return len(t) }
func (t procTable) ProcAt(i int) *ir.Proc { return t[i] }

// ProcInfo describes one process table entry.
type ProcInfo struct {
	Index int    `json:"index" yaml:"index"`
	Kind  string `json:"kind" yaml:"kind"`
	PID   int32  `json:"pid" yaml:"pid"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Server is a simulated database host: a process table, a shared segment,
// lifecycle hook points and a SQLite execution backend.
//
// Lifecycle: New (preload) → LoadLibrary* → Start → Connect* → Stop.
//
// Thread-safety: Connect, ProcSnapshot and the accessors are safe from any
// goroutine. Each Backend serializes its own statements.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	segment  *shmem.Segment
	sessions SessionGenerator
	firstPID int32

	settings       *config.Settings
	computeQueryID *config.BoolSetting

	shmemStartup  *hooks.Point[ir.ShmemStartupFunc]
	postParse     *hooks.Point[ir.PostParseAnalyzeFunc]
	executorStart *hooks.Point[ir.ExecutorStartFunc]

	procs   procTable
	pids    *Clock
	xactSeq *Clock

	state atomic.Int32

	mu        sync.Mutex
	libs      []Library
	store     *store.Store
	backends  map[int]*Backend
	prepared  map[string]int // gid → proc index
	slotOwner map[int]string // prepared proc index → gid
}

// New creates a server in the preload phase.
func New(cfg Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    slog.Default(),
		sessions:  UUIDv7Generator{},
		firstPID:  config.DefaultFirstPID,
		settings:  config.NewSettings(),
		xactSeq:   NewClock(),
		backends:  make(map[int]*Backend),
		prepared:  make(map[string]int),
		slotOwner: make(map[int]string),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.segment == nil {
		s.segment = shmem.NewSegment()
	}
	if s.firstPID <= 0 {
		return nil, fmt.Errorf("first pid must be positive, got %d", s.firstPID)
	}
	if cfg.Limits.MaxConnections <= 0 {
		return nil, fmt.Errorf("max_connections must be positive, got %d", cfg.Limits.MaxConnections)
	}
	s.pids = NewClockAt(int64(s.firstPID) - 1)

	s.computeQueryID = s.settings.DefineBool(
		ComputeQueryIDSetting,
		"Computes query identifiers for planned statements.",
		true,
		config.ContextSuperuser,
	)
	if err := s.settings.ApplyFile(cfg.Settings); err != nil {
		return nil, fmt.Errorf("apply settings: %w", err)
	}

	s.shmemStartup = hooks.NewPoint[ir.ShmemStartupFunc]("shmem_startup", func() error { return nil })
	s.postParse = hooks.NewPoint[ir.PostParseAnalyzeFunc]("post_parse_analyze", func(*ir.ParseState, *ir.Query) {})
	s.executorStart = hooks.NewPoint[ir.ExecutorStartFunc]("executor_start", s.standardExecutorStart)

	s.procs = buildProcTable(cfg.Limits)
	s.state.Store(statePreload)

	return s, nil
}

// buildProcTable lays out regular backends, then auxiliary processes, then
// prepared-transaction placeholders.
func buildProcTable(l ir.HostLimits) procTable {
	t := make(procTable, 0, l.TotalProcs())
	for i := 0; i < l.MaxBackends(); i++ {
		t = append(t, ir.NewProc(len(t), ir.ProcBackend))
	}
	for i := 0; i < ir.NumAuxiliaryProcs; i++ {
		t = append(t, ir.NewProc(len(t), ir.ProcAuxiliary))
	}
	for i := 0; i < l.MaxPreparedXacts; i++ {
		t = append(t, ir.NewProc(len(t), ir.ProcPreparedXact))
	}
	return t
}

// PreloadInProgress reports whether libraries may still install hooks.
func (s *Server) PreloadInProgress() bool {
	return s.state.Load() == statePreload
}

// Limits returns the capacity settings fixed at New.
func (s *Server) Limits() ir.HostLimits { return s.cfg.Limits }

// Settings returns the runtime parameter registry.
func (s *Server) Settings() *config.Settings { return s.settings }

// Segment returns the shared segment.
func (s *Server) Segment() *shmem.Segment { return s.segment }

// Procs returns the process table.
func (s *Server) Procs() ir.ProcArray { return s.procs }

// ShmemStartupHooks returns the chain Start runs once the segment exists.
func (s *Server) ShmemStartupHooks() *hooks.Point[ir.ShmemStartupFunc] { return s.shmemStartup }

// PostParseAnalyzeHooks returns the chain run after each statement is analyzed.
func (s *Server) PostParseAnalyzeHooks() *hooks.Point[ir.PostParseAnalyzeFunc] { return s.postParse }

// ExecutorStartHooks returns the chain run before a planned statement executes.
func (s *Server) ExecutorStartHooks() *hooks.Point[ir.ExecutorStartFunc] { return s.executorStart }

// Store returns the execution backend, nil before Start.
func (s *Server) Store() *store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Server) Running() bool {
	return s.state.Load() == stateRunning
}

// LoadLibrary loads lib and remembers it for unloading at Stop. Libraries
// loaded after Start decide for themselves how to react; the server does not
// refuse them.
func (s *Server) LoadLibrary(lib Library) error {
	if s.state.Load() == stateStopped {
		return newServerError(ErrCodeServerNotRunning, "cannot load %q into a stopped server", lib.Name())
	}

	if err := lib.Load(); err != nil {
		return fmt.Errorf("load library %q: %w", lib.Name(), err)
	}

	s.mu.Lock()
	s.libs = append(s.libs, lib)
	s.mu.Unlock()

	s.logger.Debug("library loaded", "library", lib.Name(), "preload", s.PreloadInProgress())
	return nil
}

// Start ends preload, creates shared memory and runs the shmem-startup
// chain, registers the auxiliary processes and recovers prepared
// transactions from the store.
func (s *Server) Start(ctx context.Context) error {
	if s.state.Load() != statePreload {
		return errors.New("server already started")
	}

	st, err := store.Open(s.cfg.DBPath, s.libraryFunctions()...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	s.mu.Lock()
	s.store = st
	s.mu.Unlock()

	s.state.Store(stateRunning)
	s.segment.Create()

	if err := s.shmemStartup.Func()(); err != nil {
		s.abortStart()
		return fmt.Errorf("shmem startup: %w", err)
	}

	aux := s.cfg.Limits.MaxBackends()
	for i := 0; i < ir.NumAuxiliaryProcs; i++ {
		s.procs[aux+i].SetPID(int32(s.pids.Next()))
	}

	if err := s.recoverPreparedXacts(ctx); err != nil {
		s.abortStart()
		return fmt.Errorf("recover prepared transactions: %w", err)
	}

	s.logger.Info("server started",
		"procs", len(s.procs),
		"max_connections", s.cfg.Limits.MaxConnections,
		"segment_bytes", s.segment.Size(),
		"prepared", len(s.prepared))

	return nil
}

func (s *Server) libraryFunctions() []store.Function {
	s.mu.Lock()
	defer s.mu.Unlock()

	var funcs []store.Function
	for _, lib := range s.libs {
		if fp, ok := lib.(FunctionProvider); ok {
			funcs = append(funcs, fp.SQLFunctions()...)
		}
	}
	return funcs
}

func (s *Server) abortStart() {
	s.state.Store(stateStopped)
	s.clearAuxiliary()

	s.mu.Lock()
	st := s.store
	s.store = nil
	s.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			s.logger.Warn("close store after failed start", "error", err)
		}
	}
}

// Stop closes every backend, unloads libraries in reverse load order and
// closes the store. Calling Stop again is a no-op.
func (s *Server) Stop() error {
	prev := s.state.Swap(stateStopped)
	if prev == stateStopped {
		return nil
	}

	s.mu.Lock()
	open := make([]*Backend, 0, len(s.backends))
	for _, b := range s.backends {
		open = append(open, b)
	}
	s.mu.Unlock()

	for _, b := range open {
		b.Close()
	}

	s.mu.Lock()
	libs := s.libs
	s.libs = nil
	st := s.store
	s.store = nil
	s.mu.Unlock()

	for i := len(libs) - 1; i >= 0; i-- {
		libs[i].Unload()
		s.logger.Debug("library unloaded", "library", libs[i].Name())
	}

	s.clearAuxiliary()

	var err error
	if st != nil {
		err = st.Close()
	}

	if prev == stateRunning {
		s.logger.Info("server stopped")
	}
	return err
}

func (s *Server) clearAuxiliary() {
	aux := s.cfg.Limits.MaxBackends()
	for i := 0; i < ir.NumAuxiliaryProcs; i++ {
		s.procs[aux+i].SetPID(0)
	}
}

// ConnectOptions describe a client session.
type ConnectOptions struct {
	// Role is the session's privilege level for SET and RESET.
	Role config.Role

	// Name labels the session in process listings.
	Name string
}

// Connect registers a client backend in the first free connection slot.
func (s *Server) Connect(ctx context.Context, opts ConnectOptions) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Running() {
		return nil, newServerError(ErrCodeServerNotRunning, "server is not running")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := -1
	for i := 0; i < s.cfg.Limits.MaxConnections; i++ {
		if _, taken := s.backends[i]; !taken {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, newServerError(ErrCodeTooManyConnections,
			"sorry, too many clients already (max_connections=%d)", s.cfg.Limits.MaxConnections)
	}

	proc := s.procs[slot]
	pid := int32(s.pids.Next())
	b := &Backend{
		srv:       s,
		proc:      proc,
		pid:       pid,
		sessionID: s.sessions.Generate(),
		name:      opts.Name,
		role:      opts.Role,
	}
	s.backends[slot] = b
	proc.SetPID(pid)

	s.logger.Debug("backend connected",
		"pid", pid,
		"slot", slot,
		"session", b.sessionID,
		"role", opts.Role.String())

	return b, nil
}

// release frees the backend's slot. The slot's registry cell keeps its
// value; the next owner overwrites it on its first statement.
func (s *Server) release(b *Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backends[b.proc.Index()] == b {
		delete(s.backends, b.proc.Index())
		b.proc.SetPID(0)
	}
}

// ProcSnapshot lists every live entry of the process table plus the
// occupied prepared-transaction slots, in table order.
func (s *Server) ProcSnapshot() []ProcInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ProcInfo
	for _, p := range s.procs {
		info := ProcInfo{Index: p.Index(), Kind: p.Kind().String(), PID: p.PID()}
		switch p.Kind() {
		case ir.ProcBackend:
			b, ok := s.backends[p.Index()]
			if !ok {
				continue
			}
			info.Name = b.name
		case ir.ProcAuxiliary:
			if info.PID == 0 {
				continue
			}
			info.Name = auxiliaryNames[p.Index()-s.cfg.Limits.MaxBackends()]
		case ir.ProcPreparedXact:
			gid, ok := s.slotOwner[p.Index()]
			if !ok {
				continue
			}
			info.Name = gid
		}
		out = append(out, info)
	}
	return out
}

// standardExecutorStart is the base of the executor-start chain: it compiles
// the planned statement against the store.
func (s *Server) standardExecutorStart(ctx context.Context, qd *ir.QueryDesc, eflags int) error {
	if qd == nil || qd.Plan == nil {
		return errors.New("executor start without a plan")
	}

	st := s.Store()
	if st == nil {
		return newServerError(ErrCodeServerNotRunning, "server is not running")
	}

	text := ir.StatementText(qd.SourceText, qd.Plan.StmtLocation, qd.Plan.StmtLen)
	stmt, err := st.Prepare(ctx, text)
	if err != nil {
		return NewExecutionError(text, err)
	}
	qd.Prepared = stmt
	return nil
}

// nativeQueryID is the identifier the host attaches to a DML statement,
// 0 when compute_query_id is off.
func (s *Server) nativeQueryID(toks []token) ir.QueryID {
	if !s.computeQueryID.Get() {
		return ir.InvalidQueryID
	}
	return ir.StatementQueryID(jumbleTokens(toks))
}

// preparedRange returns the proc indexes [lo, hi) of the prepared slots.
func (s *Server) preparedRange() (int, int) {
	lo := s.cfg.Limits.MaxBackends() + ir.NumAuxiliaryProcs
	return lo, lo + s.cfg.Limits.MaxPreparedXacts
}

// freePreparedSlot returns the first unoccupied prepared slot. s.mu is held.
func (s *Server) freePreparedSlot() (int, bool) {
	lo, hi := s.preparedRange()
	for i := lo; i < hi; i++ {
		if _, taken := s.slotOwner[i]; !taken {
			return i, true
		}
	}
	return 0, false
}

// prepareXact moves a backend's open transaction into a prepared slot.
// The slot keeps pid 0: it belongs to no running process.
func (s *Server) prepareXact(ctx context.Context, gid string, b *Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.prepared[gid]; exists {
		return newServerError(ErrCodePreparedXactExists, "transaction identifier %q is already in use", gid)
	}
	slot, ok := s.freePreparedSlot()
	if !ok {
		return newServerError(ErrCodeNoFreePreparedSlot,
			"maximum number of prepared transactions reached (max_prepared_transactions=%d)",
			s.cfg.Limits.MaxPreparedXacts)
	}

	x := store.PreparedXact{
		GID:        gid,
		Slot:       slot,
		OwnerPID:   b.pid,
		PreparedBy: b.sessionID,
		Seq:        s.xactSeq.Next(),
	}
	if err := s.store.SavePreparedXact(ctx, x); err != nil {
		if errors.Is(err, store.ErrDuplicateGID) {
			return &ServerError{Code: ErrCodePreparedXactExists, Message: "transaction identifier already in use", Err: err}
		}
		return NewExecutionError("PREPARE TRANSACTION", err)
	}

	s.prepared[gid] = slot
	s.slotOwner[slot] = gid

	s.logger.Debug("transaction prepared", "gid", gid, "slot", slot, "pid", b.pid)
	return nil
}

// finishPreparedXact commits or rolls back a prepared transaction, freeing
// its slot.
func (s *Server) finishPreparedXact(ctx context.Context, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.prepared[gid]
	if !ok {
		return newServerError(ErrCodePreparedXactNotFound, "prepared transaction with identifier %q does not exist", gid)
	}

	if _, err := s.store.DeletePreparedXact(ctx, gid); err != nil {
		return NewExecutionError("FINISH PREPARED", err)
	}

	delete(s.prepared, gid)
	delete(s.slotOwner, slot)

	s.logger.Debug("prepared transaction finished", "gid", gid, "slot", slot)
	return nil
}

// recoverPreparedXacts restores prepared transactions that survived a
// restart. Transactions whose recorded slot no longer exists or is taken
// move to the first free slot.
func (s *Server) recoverPreparedXacts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	xacts, err := s.store.ListPreparedXacts(ctx)
	if err != nil {
		return err
	}
	if len(xacts) > s.cfg.Limits.MaxPreparedXacts {
		return newServerError(ErrCodeNoFreePreparedSlot,
			"found %d prepared transactions but max_prepared_transactions=%d",
			len(xacts), s.cfg.Limits.MaxPreparedXacts)
	}

	lo, hi := s.preparedRange()
	var moved []store.PreparedXact

	// Keep valid slots first so a moved transaction cannot take a slot
	// another one already holds.
	for _, x := range xacts {
		if _, taken := s.slotOwner[x.Slot]; x.Slot >= lo && x.Slot < hi && !taken {
			s.prepared[x.GID] = x.Slot
			s.slotOwner[x.Slot] = x.GID
		} else {
			moved = append(moved, x)
		}
		s.xactSeq.AdvanceTo(x.Seq)
	}

	for _, x := range moved {
		slot, _ := s.freePreparedSlot()
		if err := s.store.UpdatePreparedSlot(ctx, x.GID, slot); err != nil {
			return err
		}
		s.prepared[x.GID] = slot
		s.slotOwner[slot] = x.GID
		s.logger.Debug("prepared transaction moved", "gid", x.GID, "from", x.Slot, "to", slot)
	}

	return nil
}

// closePrepared closes a statement compiled by the standard executor start.
func closePrepared(qd *ir.QueryDesc) {
	if stmt, ok := qd.Prepared.(*sql.Stmt); ok && stmt != nil {
		stmt.Close()
	}
	qd.Prepared = nil
}
