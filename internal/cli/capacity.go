package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/qidtrack/internal/ir"
	"github.com/roach88/qidtrack/internal/registry"
)

// CapacityResult is the registry sizing for a host configuration.
type CapacityResult struct {
	Limits      ir.HostLimits `json:"limits"`
	MaxBackends int           `json:"max_backends"`
	Auxiliary   int           `json:"auxiliary"`
	Prepared    int           `json:"prepared"`
	Cells       int           `json:"cells"`
	Bytes       int           `json:"bytes"`
}

// NewCapacityCommand creates the capacity command.
func NewCapacityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capacity",
		Short: "Show registry sizing for a host configuration",
		Long: `Show how many registry cells, and how much shared memory, the query id
tracker reserves for the host limits in the configuration file (or the
defaults when --config is not given).

  cells = max_backends + auxiliary processes + max_prepared_transactions
  max_backends = max_connections + autovacuum_max_workers + 1
                 + max_worker_processes + max_wal_senders

Example:
  qidtrack capacity --config host.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapacity(rootOpts, cmd)
		},
	}

	return cmd
}

func runCapacity(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	result := computeCapacity(cfg.Limits)
	if formatter.JSON() {
		return formatter.Success(result)
	}

	p := message.NewPrinter(language.English)
	w := formatter.Writer
	p.Fprintf(w, "max_backends:  %d\n", result.MaxBackends)
	p.Fprintf(w, "  max_connections:        %d\n", result.Limits.MaxConnections)
	p.Fprintf(w, "  autovacuum_max_workers: %d (+1 launcher)\n", result.Limits.AutovacuumMaxWorkers)
	p.Fprintf(w, "  max_worker_processes:   %d\n", result.Limits.MaxWorkerProcesses)
	p.Fprintf(w, "  max_wal_senders:        %d\n", result.Limits.MaxWalSenders)
	p.Fprintf(w, "auxiliary:     %d\n", result.Auxiliary)
	p.Fprintf(w, "prepared:      %d\n", result.Prepared)
	p.Fprintf(w, "cells:         %d\n", result.Cells)
	p.Fprintf(w, "bytes:         %d\n", result.Bytes)
	return nil
}

func computeCapacity(l ir.HostLimits) CapacityResult {
	cells := registry.Capacity(l)
	return CapacityResult{
		Limits:      l,
		MaxBackends: l.MaxBackends(),
		Auxiliary:   ir.NumAuxiliaryProcs,
		Prepared:    l.MaxPreparedXacts,
		Cells:       cells,
		Bytes:       registry.SizeBytes(cells),
	}
}
