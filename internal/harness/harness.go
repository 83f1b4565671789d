package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/testutil"
	"github.com/roach88/qidtrack/internal/tracker"
)

// FirstPID is the first process id of every scenario run. The five
// auxiliary processes take FirstPID..FirstPID+4, so the first session
// connects as FirstPID+5.
const FirstPID = 1000

// Options tune a scenario run.
type Options struct {
	// DBPath runs statements against a SQLite file instead of a fresh
	// in-memory database.
	DBPath string

	// Logger receives server and tracker logs. Defaults to discarding them.
	Logger *slog.Logger
}

// Harness drives one scenario against a server with the tracker preloaded.
type Harness struct {
	srv     *engine.Server
	tracker *tracker.Tracker
	clock   *testutil.DeterministicClock

	sessions []SessionSpec
	backends map[string]*engine.Backend
	lastPID  map[string]int32
}

// Run executes a scenario in a fresh in-memory database.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithOptions(context.Background(), scenario, Options{})
}

// RunWithOptions executes a scenario and returns the result.
//
// Execution flow:
//  1. Start a server with the scenario's limits and settings, tracker loaded
//     during preload
//  2. Connect every session in declaration order
//  3. Execute steps, checking each expect clause
//  4. Evaluate assertions against the trace and the database
//
// Runs are deterministic: pids start at FirstPID and session ids come from
// a sequence named after the scenario.
func RunWithOptions(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	srv, err := engine.New(
		engine.Config{
			Limits:   scenario.Limits(),
			DBPath:   opts.DBPath,
			Settings: scenario.Settings,
		},
		engine.WithLogger(logger),
		engine.WithFirstPID(FirstPID),
		engine.WithSessionGenerator(testutil.NewSessionSequence(scenario.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	tr := tracker.New(srv,
		tracker.WithLogger(logger),
		tracker.WithMeter(noop.NewMeterProvider().Meter("harness")))
	if err := srv.LoadLibrary(tr); err != nil {
		return nil, fmt.Errorf("failed to load tracker: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Stop()

	h := &Harness{
		srv:      srv,
		tracker:  tr,
		clock:    testutil.NewDeterministicClock(),
		sessions: scenario.Sessions,
		backends: make(map[string]*engine.Backend),
		lastPID:  make(map[string]int32),
	}

	for _, sess := range scenario.Sessions {
		if err := h.connect(ctx, sess.Name); err != nil {
			return nil, fmt.Errorf("failed to connect session %q: %w", sess.Name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute step %d: %w", i+1, err)
		}
	}

	actx := &AssertionContext{
		Store: srv.Store(),
		Ctx:   ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func (h *Harness) role(session string) config.Role {
	for _, s := range h.sessions {
		if s.Name == session {
			role, _ := config.ParseRole(s.Role)
			return role
		}
	}
	return config.RoleUser
}

func (h *Harness) connect(ctx context.Context, session string) error {
	b, err := h.srv.Connect(ctx, engine.ConnectOptions{Role: h.role(session), Name: session})
	if err != nil {
		return err
	}
	h.backends[session] = b
	h.lastPID[session] = b.PID()
	return nil
}

// executeStep runs one step. Statement failures are part of the trace;
// only harness-level problems are returned as errors.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	seq := h.clock.Next()
	ev := TraceEvent{Seq: seq, Session: step.Session}

	var stepErr error
	switch {
	case step.Connect:
		ev.Action = ActionConnect
		if _, open := h.backends[step.Session]; open {
			result.AddError(fmt.Sprintf("step %d: session %q is already connected", seq, step.Session))
			break
		}
		stepErr = h.connect(ctx, step.Session)

	case step.Disconnect:
		ev.Action = ActionDisconnect
		b, open := h.backends[step.Session]
		if !open {
			result.AddError(fmt.Sprintf("step %d: session %q is not connected", seq, step.Session))
			break
		}
		b.Close()
		delete(h.backends, step.Session)

	default:
		ev.Action = ActionExec
		ev.Exec = step.Exec
		b, open := h.backends[step.Session]
		if !open {
			result.AddError(fmt.Sprintf("step %d: session %q is not connected", seq, step.Session))
			break
		}
		var res []engine.StatementResult
		res, stepErr = b.Exec(ctx, step.Exec)
		for _, r := range res {
			ev.Statements = append(ev.Statements, StatementTrace{Tag: r.Tag, QueryID: int64(r.QueryID)})
		}
	}

	if stepErr != nil {
		code := engine.CodeOf(stepErr)
		if code == "" {
			return stepErr
		}
		ev.Error = string(code)
	}

	ev.PID = h.lastPID[step.Session]
	ev.Recorded = int64(h.recorded(step.Session))
	ev.Lookup = h.lookupTable()
	result.Trace = append(result.Trace, ev)

	h.checkExpect(index, step, ev, result)
	return nil
}

// recorded is the registry value of the session's slot: the tracker's
// lookup while connected, 0 once disconnected.
func (h *Harness) recorded(session string) ir.QueryID {
	return h.tracker.Lookup(h.lastPID[session])
}

func (h *Harness) lookupTable() []LookupEntry {
	out := make([]LookupEntry, 0, len(h.sessions))
	for _, s := range h.sessions {
		pid := h.lastPID[s.Name]
		id, found := h.tracker.LookupSlot(pid)
		out = append(out, LookupEntry{Session: s.Name, PID: pid, QueryID: int64(id), Found: found})
	}
	return out
}

func (h *Harness) checkExpect(index int, step Step, ev TraceEvent, result *Result) {
	e := step.Expect
	if e == nil {
		e = &Expect{}
	}
	prefix := fmt.Sprintf("step %d (%s)", index+1, step.Session)

	if e.Error != ev.Error {
		switch {
		case e.Error == "":
			result.AddError(fmt.Sprintf("%s: unexpected error %s", prefix, ev.Error))
		case ev.Error == "":
			result.AddError(fmt.Sprintf("%s: expected error %s, step succeeded", prefix, e.Error))
		default:
			result.AddError(fmt.Sprintf("%s: expected error %s, got %s", prefix, e.Error, ev.Error))
		}
	}

	want, label, ok := expectedID(e)
	if !ok {
		return
	}
	if got := ir.QueryID(ev.Recorded); got != want {
		result.AddError(fmt.Sprintf("%s: expected %s = %s, recorded %s", prefix, label, want, got))
	}
}

// expectedID resolves an expect clause to an identifier.
func expectedID(e *Expect) (ir.QueryID, string, bool) {
	switch {
	case e.QueryID != nil:
		return ir.QueryID(*e.QueryID), "query_id", true
	case e.Utility != "":
		return ir.UtilityQueryID(e.Utility, 0, 0), fmt.Sprintf("utility %q", e.Utility), true
	case e.Statement != "":
		id, err := engine.NativeQueryID(e.Statement)
		if err != nil {
			return ir.InvalidQueryID, "", false
		}
		return id, fmt.Sprintf("statement %q", e.Statement), true
	case e.Zero:
		return ir.InvalidQueryID, "zero", true
	}
	return ir.InvalidQueryID, "", false
}
