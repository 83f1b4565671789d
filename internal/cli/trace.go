package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/qidtrack/internal/harness"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string // optional - filter to one session
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Scenario string               `json:"scenario"`
	Timeline []harness.TraceEvent `json:"timeline"`
	Stats    TraceStats           `json:"stats"`
	Pass     bool                 `json:"pass"`
	Errors   []string             `json:"errors,omitempty"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Steps       int `json:"steps"`
	Statements  int `json:"statements"`
	Failed      int `json:"failed"`
	DistinctIDs int `json:"distinct_ids"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <scenario.yaml>",
		Short: "Show the query id timeline of a scenario",
		Long: `Run one scenario and show, step by step, what every session executed
and the query id the tracker recorded for it.

The output includes:
- Timeline: every step with its statements and recorded id
- Lookups: pg_get_queryid for every session after each step
- Stats: summary statistics for the run

Examples:
  qidtrack trace ./scenarios/utility_tracking.yaml
  qidtrack trace ./scenarios/utility_tracking.yaml --session alice
  qidtrack trace ./scenarios/utility_tracking.yaml --db /tmp/trace.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: in-memory)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "filter to one session")

	return cmd
}

func runTrace(opts *TraceOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := harness.RunWithOptions(ctx, scenario, harness.Options{
		DBPath: opts.Database,
		Logger: newLogger(opts.Verbose, cmd.ErrOrStderr()),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	trace := TraceResult{
		Scenario: scenario.Name,
		Timeline: filterTimeline(result.Trace, opts.Session),
		Pass:     result.Pass,
		Errors:   result.Errors,
	}
	trace.Stats = computeTraceStats(result.Trace)

	if opts.Format == "json" {
		return outputTraceJSON(cmd, trace)
	}
	return outputTraceText(cmd, trace)
}

func filterTimeline(events []harness.TraceEvent, session string) []harness.TraceEvent {
	if session == "" {
		return events
	}
	out := []harness.TraceEvent{}
	for _, ev := range events {
		if ev.Session == session {
			out = append(out, ev)
		}
	}
	return out
}

// computeTraceStats counts over the full trace, regardless of filters.
func computeTraceStats(events []harness.TraceEvent) TraceStats {
	stats := TraceStats{Steps: len(events)}
	ids := make(map[int64]struct{})
	for _, ev := range events {
		stats.Statements += len(ev.Statements)
		if ev.Error != "" {
			stats.Failed++
		}
		if ev.Recorded != 0 {
			ids[ev.Recorded] = struct{}{}
		}
	}
	stats.DistinctIDs = len(ids)
	return stats
}

// outputTraceJSON outputs the trace as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{Status: "ok", Data: result})
}

// outputTraceText outputs the trace as text.
func outputTraceText(cmd *cobra.Command, result TraceResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Scenario: %s\n", result.Scenario)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w)

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No steps.")
	}

	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "[%d] %s (pid %d) %s", ev.Seq, ev.Session, ev.PID, ev.Action)
		if ev.Exec != "" {
			fmt.Fprintf(w, " %q", ev.Exec)
		}
		fmt.Fprintln(w)

		for _, st := range ev.Statements {
			fmt.Fprintf(w, "    %-16s query_id=%d\n", st.Tag, st.QueryID)
		}
		if ev.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", ev.Error)
		}
		fmt.Fprintf(w, "    recorded: %d\n", ev.Recorded)

		lookups := make([]string, 0, len(ev.Lookup))
		for _, l := range ev.Lookup {
			v := "-"
			if l.Found {
				v = strconv.FormatInt(l.QueryID, 10)
			}
			lookups = append(lookups, l.Session+"="+v)
		}
		fmt.Fprintf(w, "    lookup: %s\n", strings.Join(lookups, " "))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Stats:")
	fmt.Fprintf(w, "  Steps: %d\n", result.Stats.Steps)
	fmt.Fprintf(w, "  Statements: %d\n", result.Stats.Statements)
	fmt.Fprintf(w, "  Failed steps: %d\n", result.Stats.Failed)
	fmt.Fprintf(w, "  Distinct query ids: %d\n", result.Stats.DistinctIDs)

	if !result.Pass {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failures:")
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	return nil
}
