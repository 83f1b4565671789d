// Package config holds qidtrack's configuration: the server's runtime
// settings registry and the CUE configuration file read at startup.
//
// A configuration file is validated against an embedded CUE schema that also
// supplies defaults, so an empty file yields a stock server:
//
//	host: {
//		max_connections:           20
//		max_prepared_transactions: 2
//	}
//	settings: {
//		"queryid.track_utility": false
//	}
package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/qidtrack/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// DefaultFirstPID is the first process id handed out by the host.
const DefaultFirstPID = 10000

// File is a decoded configuration file.
type File struct {
	// Limits sizes the host process table (and therefore the registry).
	Limits ir.HostLimits

	// FirstPID is the first process id the host assigns.
	FirstPID int32

	// Settings are runtime parameter values, rendered as strings.
	Settings map[string]string
}

// Default returns the configuration an empty file decodes to.
func Default() *File {
	return &File{
		Limits:   ir.DefaultHostLimits(),
		FirstPID: DefaultFirstPID,
		Settings: map[string]string{},
	}
}

// SettingNames returns the configured setting names in sorted order.
func (f *File) SettingNames() []string {
	names := make([]string, 0, len(f.Settings))
	for name := range f.Settings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type rawHost struct {
	MaxConnections       int `json:"max_connections"`
	AutovacuumMaxWorkers int `json:"autovacuum_max_workers"`
	MaxWorkerProcesses   int `json:"max_worker_processes"`
	MaxWalSenders        int `json:"max_wal_senders"`
	MaxPreparedXacts     int `json:"max_prepared_transactions"`
	FirstPID             int `json:"first_pid"`
}

type rawFile struct {
	Host     rawHost        `json:"host"`
	Settings map[string]any `json:"settings"`
}

// LoadFile reads and validates a CUE configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f, err := Parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse validates CUE source against the configuration schema and decodes it.
// filename is only used in error positions.
func Parse(filename string, data []byte) (*File, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compiling config: %s", cueerrors.Details(err, nil))
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validating config: %s", cueerrors.Details(err, nil))
	}

	var raw rawFile
	if err := unified.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return raw.toFile()
}

func (r *rawFile) toFile() (*File, error) {
	f := &File{
		Limits: ir.HostLimits{
			MaxConnections:       r.Host.MaxConnections,
			AutovacuumMaxWorkers: r.Host.AutovacuumMaxWorkers,
			MaxWorkerProcesses:   r.Host.MaxWorkerProcesses,
			MaxWalSenders:        r.Host.MaxWalSenders,
			MaxPreparedXacts:     r.Host.MaxPreparedXacts,
		},
		FirstPID: int32(r.Host.FirstPID),
		Settings: make(map[string]string, len(r.Settings)),
	}

	for name, v := range r.Settings {
		switch val := v.(type) {
		case bool:
			f.Settings[name] = FormatBool(val)
		case string:
			f.Settings[name] = val
		default:
			return nil, fmt.Errorf("setting %q: unsupported value type %T", name, v)
		}
	}

	return f, nil
}
