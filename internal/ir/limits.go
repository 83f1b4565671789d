package ir

// NumAuxiliaryProcs is the fixed number of auxiliary process slots
// (checkpointer, background writer, walwriter, startup, archiver).
const NumAuxiliaryProcs = 5

// HostLimits carries the host capacity settings fixed at startup.
type HostLimits struct {
	MaxConnections       int `json:"max_connections"`
	AutovacuumMaxWorkers int `json:"autovacuum_max_workers"`
	MaxWorkerProcesses   int `json:"max_worker_processes"`
	MaxWalSenders        int `json:"max_wal_senders"`
	MaxPreparedXacts     int `json:"max_prepared_transactions"`
}

// DefaultHostLimits mirrors a stock server configuration.
func DefaultHostLimits() HostLimits {
	return HostLimits{
		MaxConnections:       100,
		AutovacuumMaxWorkers: 3,
		MaxWorkerProcesses:   8,
		MaxWalSenders:        10,
		MaxPreparedXacts:     0,
	}
}

// MaxBackends is the number of regular backend slots: client connections,
// autovacuum workers plus their launcher, background workers and WAL senders.
func (l HostLimits) MaxBackends() int {
	return l.MaxConnections + l.AutovacuumMaxWorkers + 1 + l.MaxWorkerProcesses + l.MaxWalSenders
}

// TotalProcs is the size of the process table: regular backends, then
// auxiliary processes, then prepared-transaction placeholders.
func (l HostLimits) TotalProcs() int {
	return l.MaxBackends() + NumAuxiliaryProcs + l.MaxPreparedXacts
}
