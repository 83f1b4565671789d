package harness

// Trace actions.
const (
	ActionConnect    = "connect"
	ActionExec       = "exec"
	ActionDisconnect = "disconnect"
)

// StatementTrace is one executed statement of an exec step.
type StatementTrace struct {
	Tag     string `json:"tag"`
	QueryID int64  `json:"query_id"`
}

// LookupEntry is the tracker's answer for one session after a step.
type LookupEntry struct {
	Session string `json:"session"`
	PID     int32  `json:"pid"`
	QueryID int64  `json:"query_id"`
	Found   bool   `json:"found"`
}

// TraceEvent records one scenario step.
//
// Identifiers are signed, the way the host prints bigint columns.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Session string `json:"session"`
	PID     int32  `json:"pid"`
	Action  string `json:"action"`
	Exec    string `json:"exec,omitempty"`

	Statements []StatementTrace `json:"statements,omitempty"`

	// Error is the server error code of a failed step.
	Error string `json:"error,omitempty"`

	// Recorded is the acting session's registry value after the step.
	Recorded int64 `json:"recorded"`

	// Lookup lists every session, in declaration order.
	Lookup []LookupEntry `json:"lookup"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Event returns the trace event with the given seq.
func (r *Result) Event(seq int64) (TraceEvent, bool) {
	for _, ev := range r.Trace {
		if ev.Seq == seq {
			return ev, true
		}
	}
	return TraceEvent{}, false
}
