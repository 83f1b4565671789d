package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/ir"
)

// Scenario defines a query identifier tracking scenario: a set of client
// sessions and the statements they run, in order.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Host overrides the default host limits.
	Host *HostSpec `yaml:"host,omitempty"`

	// Settings are applied at server start, like the settings map of a
	// configuration file.
	Settings map[string]string `yaml:"settings,omitempty"`

	// Sessions connect in declaration order before the first step.
	Sessions []SessionSpec `yaml:"sessions"`

	// Steps run sequentially.
	Steps []Step `yaml:"steps"`

	// Assertions validate the finished trace and the final database state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// HostSpec sizes the process table. Zero fields keep the harness defaults.
type HostSpec struct {
	MaxConnections       int `yaml:"max_connections,omitempty"`
	AutovacuumMaxWorkers int `yaml:"autovacuum_max_workers,omitempty"`
	MaxWorkerProcesses   int `yaml:"max_worker_processes,omitempty"`
	MaxWalSenders        int `yaml:"max_wal_senders,omitempty"`
	MaxPreparedXacts     int `yaml:"max_prepared_transactions,omitempty"`
}

// SessionSpec declares a client session.
type SessionSpec struct {
	Name string `yaml:"name"`

	// Role is "user" (default) or "superuser".
	Role string `yaml:"role,omitempty"`
}

// Step is one action of one session. Exactly one of Exec, Connect and
// Disconnect is set.
type Step struct {
	Session string `yaml:"session"`

	// Exec is the client text; it may hold several statements.
	Exec string `yaml:"exec,omitempty"`

	// Connect reconnects a disconnected session under a new pid.
	Connect bool `yaml:"connect,omitempty"`

	// Disconnect closes the session's backend.
	Disconnect bool `yaml:"disconnect,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes what the session's registry slot holds after the step.
// At most one of QueryID, Utility, Statement and Zero is set.
type Expect struct {
	// QueryID is the exact signed identifier.
	QueryID *int64 `yaml:"query_id,omitempty"`

	// Utility is a utility statement whose text hash is expected.
	Utility string `yaml:"utility,omitempty"`

	// Statement is a DML statement whose native identifier is expected.
	Statement string `yaml:"statement,omitempty"`

	// Zero expects nothing recorded.
	Zero bool `yaml:"zero,omitempty"`

	// Error is the expected server error code. A step without it must
	// succeed.
	Error string `yaml:"error,omitempty"`
}

// Harness defaults: small enough to keep lookup tables short.
const (
	DefaultMaxConnections   = 4
	DefaultMaxPreparedXacts = 2
)

// Limits returns the host limits the scenario runs with.
func (s *Scenario) Limits() ir.HostLimits {
	l := ir.HostLimits{
		MaxConnections:   DefaultMaxConnections,
		MaxPreparedXacts: DefaultMaxPreparedXacts,
	}
	if s.Host == nil {
		return l
	}
	if s.Host.MaxConnections > 0 {
		l.MaxConnections = s.Host.MaxConnections
	}
	if s.Host.MaxPreparedXacts > 0 {
		l.MaxPreparedXacts = s.Host.MaxPreparedXacts
	}
	l.AutovacuumMaxWorkers = s.Host.AutovacuumMaxWorkers
	l.MaxWorkerProcesses = s.Host.MaxWorkerProcesses
	l.MaxWalSenders = s.Host.MaxWalSenders
	return l
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "step:" vs "steps:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Sessions) == 0 {
		return fmt.Errorf("sessions list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if n := len(s.Sessions); n > s.Limits().MaxConnections {
		return fmt.Errorf("%d sessions exceed max_connections=%d", n, s.Limits().MaxConnections)
	}

	sessions := make(map[string]bool, len(s.Sessions))
	for i, sess := range s.Sessions {
		if sess.Name == "" {
			return fmt.Errorf("sessions[%d]: name is required", i)
		}
		if sessions[sess.Name] {
			return fmt.Errorf("sessions[%d]: duplicate session %q", i, sess.Name)
		}
		if _, err := config.ParseRole(sess.Role); err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
		sessions[sess.Name] = true
	}

	for i, step := range s.Steps {
		if !sessions[step.Session] {
			return fmt.Errorf("steps[%d]: unknown session %q", i, step.Session)
		}

		actions := 0
		for _, set := range []bool{step.Exec != "", step.Connect, step.Disconnect} {
			if set {
				actions++
			}
		}
		if actions != 1 {
			return fmt.Errorf("steps[%d]: exactly one of exec, connect, disconnect is required", i)
		}

		if err := validateExpect(i, step.Expect); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], len(s.Steps)); err != nil {
			return err
		}
	}

	return nil
}

func validateExpect(index int, e *Expect) error {
	if e == nil {
		return nil
	}

	values := 0
	for _, set := range []bool{e.QueryID != nil, e.Utility != "", e.Statement != "", e.Zero} {
		if set {
			values++
		}
	}
	if values > 1 {
		return fmt.Errorf("steps[%d].expect: at most one of query_id, utility, statement, zero", index)
	}

	if e.Statement != "" {
		if _, err := engine.Jumble(e.Statement); err != nil {
			return fmt.Errorf("steps[%d].expect.statement: %w", index, err)
		}
	}

	return nil
}
