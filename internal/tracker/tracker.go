package tracker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/hooks"
	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/registry"
	"github.com/roach88/qidtrack/internal/shmem"
	"github.com/roach88/qidtrack/internal/store"
)

// LibraryName identifies the tracker among loaded libraries.
const LibraryName = "queryid"

// LookupFunction is the SQL name of Lookup.
const LookupFunction = "pg_get_queryid"

// TrackUtilitySetting is the name of the utility tracking parameter.
const TrackUtilitySetting = "queryid.track_utility"

// meterName scopes the tracker's instruments.
const meterName = "github.com/roach88/qidtrack/internal/tracker"

// Host is what the tracker needs from the server it is loaded into.
type Host interface {
	// PreloadInProgress reports whether libraries may still install hooks
	// and request shared memory.
	PreloadInProgress() bool

	// Limits returns the capacity settings fixed at startup.
	Limits() ir.HostLimits

	// Settings returns the runtime parameter registry.
	Settings() *config.Settings

	// Segment returns the shared segment.
	Segment() *shmem.Segment

	// Procs returns the live process table.
	Procs() ir.ProcArray

	ShmemStartupHooks() *hooks.Point[ir.ShmemStartupFunc]
	PostParseAnalyzeHooks() *hooks.Point[ir.PostParseAnalyzeFunc]
	ExecutorStartHooks() *hooks.Point[ir.ExecutorStartFunc]
}

// Hasher maps a trimmed utility statement to its raw 64-bit hash.
type Hasher func([]byte) uint64

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithMeter sets the meter used for the tracker's instruments.
// Defaults to the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(t *Tracker) {
		t.meter = m
	}
}

// WithHasher replaces the utility text hasher (ir.HashText).
func WithHasher(h Hasher) Option {
	return func(t *Tracker) {
		t.hasher = h
	}
}

// Tracker records the last query identifier of every process slot.
//
// Thread-safety: hooks run concurrently on every backend goroutine and only
// write their own slot; Lookup may run from any goroutine.
type Tracker struct {
	host   Host
	logger *slog.Logger
	meter  metric.Meter
	hasher Hasher

	trackUtility *config.BoolSetting
	registry     atomic.Pointer[registry.Registry]
	metrics      *trackerMetrics

	mu     sync.Mutex
	loaded bool
	saved  savedHooks
}

type savedHooks struct {
	shmemStartup  hooks.Saved[ir.ShmemStartupFunc]
	postParse     hooks.Saved[ir.PostParseAnalyzeFunc]
	executorStart hooks.Saved[ir.ExecutorStartFunc]
}

// New creates a tracker bound to host. It does nothing until Load.
func New(host Host, opts ...Option) *Tracker {
	t := &Tracker{
		host:   host,
		logger: slog.Default(),
		hasher: ir.HashText,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.meter == nil {
		t.meter = otel.Meter(meterName)
	}

	return t
}

// Name implements the host's library interface.
func (t *Tracker) Name() string {
	return LibraryName
}

// Load activates the tracker. Outside the host's preload phase it logs a
// warning and returns nil without installing anything.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loaded {
		return nil
	}

	if !t.host.PreloadInProgress() {
		t.logger.Warn("query id tracking must be loaded during preload; staying inactive",
			"library", LibraryName)
		return nil
	}

	// A segment created by an earlier server is reused only if it already
	// holds the registry; shmem startup then attaches without clearing it.
	seg := t.host.Segment()
	capacity := registry.Capacity(t.host.Limits())
	reattach := registry.Allocated(seg)
	if !reattach && !registry.RequestSpace(seg, capacity) {
		return errors.New("shared segment already created; cannot reserve registry space")
	}

	m, err := newTrackerMetrics(t.meter, t)
	if err != nil {
		return err
	}
	t.metrics = m

	t.trackUtility = t.host.Settings().DefineBool(
		TrackUtilitySetting,
		"Selects whether utility commands are tracked by queryid.",
		true,
		config.ContextSuperuser,
	)

	t.saved.shmemStartup = t.host.ShmemStartupHooks().Install(t.shmemStartupHook)
	t.saved.postParse = t.host.PostParseAnalyzeHooks().Install(t.postParseAnalyzeHook)
	t.saved.executorStart = t.host.ExecutorStartHooks().Install(t.executorStartHook)
	t.loaded = true

	t.logger.Debug("query id tracking loaded",
		"capacity", capacity,
		"region", registry.RegionName,
		"reattach", reattach,
		"track_utility", t.trackUtility.Get())

	return nil
}

// Unload restores the hook chains saved by Load.
func (t *Tracker) Unload() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded {
		return
	}

	t.host.ExecutorStartHooks().Restore(t.saved.executorStart)
	t.host.PostParseAnalyzeHooks().Restore(t.saved.postParse)
	t.host.ShmemStartupHooks().Restore(t.saved.shmemStartup)
	t.loaded = false

	if t.metrics != nil {
		t.metrics.unregister()
	}

	t.logger.Debug("query id tracking unloaded")
}

// Active reports whether the hooks are installed and the registry attached.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	loaded := t.loaded
	t.mu.Unlock()
	return loaded && t.registry.Load() != nil
}

// Registry returns the attached registry, nil before shmem startup.
func (t *Tracker) Registry() *registry.Registry {
	return t.registry.Load()
}

// shmemStartupHook attaches the registry once the host creates the segment.
func (t *Tracker) shmemStartupHook(next ir.ShmemStartupFunc) ir.ShmemStartupFunc {
	return func() error {
		if err := next(); err != nil {
			return err
		}

		capacity := registry.Capacity(t.host.Limits())
		reg, found, err := registry.Attach(t.host.Segment(), capacity)
		if err != nil {
			return err
		}
		t.registry.Store(reg)

		t.logger.Debug("query id registry attached", "capacity", capacity, "found", found)
		return nil
	}
}

// postParseAnalyzeHook is hook A.
func (t *Tracker) postParseAnalyzeHook(next ir.PostParseAnalyzeFunc) ir.PostParseAnalyzeFunc {
	return func(ps *ir.ParseState, q *ir.Query) {
		next(ps, q)
		t.recordParsed(ps, q)
	}
}

// executorStartHook is hook B.
func (t *Tracker) executorStartHook(next ir.ExecutorStartFunc) ir.ExecutorStartFunc {
	return func(ctx context.Context, qd *ir.QueryDesc, eflags int) error {
		if err := next(ctx, qd, eflags); err != nil {
			return err
		}
		t.recordExecuting(ctx, qd)
		return nil
	}
}

func (t *Tracker) recordParsed(ps *ir.ParseState, q *ir.Query) {
	reg := t.registry.Load()
	if reg == nil || ps == nil || ps.Proc == nil || q == nil {
		return
	}
	t.metrics.postParse.Add(context.Background(), 1)

	i := ps.Proc.Index()

	switch {
	case q.QueryID != ir.InvalidQueryID:
		reg.Set(i, q.QueryID)
	case q.CommandType == ir.CmdUtility && t.trackUtility.Get():
		reg.Set(i, t.utilityQueryID(ps.SourceText, q.StmtLocation, q.StmtLen))
		t.metrics.utilityHashed.Add(context.Background(), 1)
	default:
		reg.Set(i, ir.InvalidQueryID)
	}
}

func (t *Tracker) recordExecuting(ctx context.Context, qd *ir.QueryDesc) {
	reg := t.registry.Load()
	if reg == nil || qd == nil || qd.Proc == nil {
		return
	}
	t.metrics.executorStart.Add(ctx, 1)

	id := ir.InvalidQueryID
	if qd.Plan != nil {
		id = qd.Plan.QueryID
	}
	reg.Set(qd.Proc.Index(), id)
}

func (t *Tracker) utilityQueryID(text string, location, length int) ir.QueryID {
	start, end := ir.TrimStatement(text, location, length)
	return ir.FallbackQueryID(t.hasher([]byte(text[start:end])))
}

// Lookup returns the last identifier recorded by the live slot owned by pid,
// or 0 when no live slot has that pid (or nothing was recorded).
func (t *Tracker) Lookup(pid int32) ir.QueryID {
	id, _ := t.LookupSlot(pid)
	return id
}

// LookupSlot is Lookup with an explicit found flag, so a recorded 0 can be
// told apart from a pid with no live slot.
func (t *Tracker) LookupSlot(pid int32) (ir.QueryID, bool) {
	reg := t.registry.Load()
	if reg == nil || pid == 0 {
		return ir.InvalidQueryID, false
	}

	procs := t.host.Procs()
	n := procs.NumProcs()
	for i := 0; i < n; i++ {
		p := procs.ProcAt(i)
		if p == nil {
			continue
		}
		if owner := p.PID(); owner != 0 && owner == pid {
			t.metrics.recordLookup(true)
			return reg.Get(p.Index()), true
		}
	}

	t.metrics.recordLookup(false)
	return ir.InvalidQueryID, false
}

// SQLFunctions exposes Lookup to client statements as pg_get_queryid(pid),
// returning the identifier as a signed bigint.
func (t *Tracker) SQLFunctions() []store.Function {
	return []store.Function{{
		Name: LookupFunction,
		Impl: func(pid int64) int64 {
			if pid < math.MinInt32 || pid > math.MaxInt32 {
				return 0
			}
			return int64(t.Lookup(int32(pid)))
		},
	}}
}
