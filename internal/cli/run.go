package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/qidtrack/internal/config"
	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	Superuser bool
	Name      string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a server and run statements interactively",
		Long: `Start a server with the query id tracker preloaded and open a client
session reading statements from standard input.

Statements run when a line ends with a semicolon. Meta-commands:

  \queryid [pid]   last query id recorded for pid (default: this session)
  \procs           live process table entries and their registry values
  \connect <name>  open another session, or switch to it
  \q               quit

Example:
  qidtrack run --db ./qidtrack.db
  qidtrack run --config host.cue --superuser`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: in-memory)")
	cmd.Flags().BoolVar(&opts.Superuser, "superuser", false, "connect with superuser rights")
	cmd.Flags().StringVar(&opts.Name, "name", "psql", "session name shown in process listings")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	h, err := startHost(ctx, cfg, opts.Database, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	defer h.stop()

	role := config.RoleUser
	if opts.Superuser {
		role = config.RoleSuperuser
	}

	r := &repl{
		host:     h,
		out:      newFormatter(opts.RootOptions, cmd),
		role:     role,
		backends: make(map[string]*engine.Backend),
	}
	if err := r.connect(ctx, opts.Name); err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}

	return r.loop(ctx, cmd.InOrStdin())
}

// repl drives client sessions from line-oriented input.
type repl struct {
	host     *host
	out      *OutputFormatter
	role     config.Role
	backends map[string]*engine.Backend
	current  *engine.Backend
}

// execOutput is the JSON payload of one executed input.
type execOutput struct {
	PID     int32                    `json:"pid"`
	Results []engine.StatementResult `json:"results"`
}

// lookupOutput is the JSON payload of \queryid.
type lookupOutput struct {
	PID     int32 `json:"pid"`
	QueryID int64 `json:"query_id"`
	Found   bool  `json:"found"`
}

// procOutput is one \procs row.
type procOutput struct {
	engine.ProcInfo
	QueryID int64 `json:"query_id"`
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var buf strings.Builder
	for {
		r.prompt(buf.Len() > 0)

		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				if strings.TrimSpace(buf.String()) != "" {
					r.exec(ctx, buf.String())
				}
				return nil
			}
			line = l
		}

		trimmed := strings.TrimSpace(line)
		if buf.Len() == 0 && strings.HasPrefix(trimmed, `\`) {
			if quit := r.meta(ctx, trimmed); quit {
				return nil
			}
			continue
		}

		buf.WriteString(line)
		buf.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			r.exec(ctx, buf.String())
			buf.Reset()
		}
	}
}

func (r *repl) prompt(continuation bool) {
	if r.out.JSON() {
		return
	}
	mark := "=>"
	if continuation {
		mark = "->"
	}
	fmt.Fprintf(r.out.Writer, "%s%s ", r.current.Name(), mark)
}

func (r *repl) connect(ctx context.Context, name string) error {
	if b, ok := r.backends[name]; ok {
		r.current = b
		return nil
	}

	b, err := r.host.srv.Connect(ctx, engine.ConnectOptions{Role: r.role, Name: name})
	if err != nil {
		return err
	}
	r.backends[name] = b
	r.current = b
	r.out.VerboseLog("connected %s (pid %d)", name, b.PID())
	return nil
}

func (r *repl) exec(ctx context.Context, src string) {
	results, err := r.current.Exec(ctx, src)

	if r.out.JSON() {
		if err != nil {
			_ = r.out.Error(errorCode(err), err.Error(), execOutput{PID: r.current.PID(), Results: results})
			return
		}
		_ = r.out.Success(execOutput{PID: r.current.PID(), Results: results})
		return
	}

	for _, res := range results {
		if len(res.Columns) > 0 {
			r.out.Table(res.Columns, res.Rows)
			fmt.Fprintf(r.out.Writer, "(%d rows)\n", len(res.Rows))
		}
		fmt.Fprintln(r.out.Writer, res.Tag)
		if res.QueryID != ir.InvalidQueryID {
			r.out.VerboseLog("query_id %s", res.QueryID)
		}
	}
	if err != nil {
		_ = r.out.ServerError(err)
	}
}

// meta runs a backslash command and reports whether the session should end.
func (r *repl) meta(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case `\q`, `\quit`:
		return true

	case `\queryid`:
		pid := r.current.PID()
		if len(fields) > 1 {
			n, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				_ = r.out.Error(ErrCodeInvalidInput, fmt.Sprintf("invalid pid %q", fields[1]), nil)
				return false
			}
			pid = int32(n)
		}
		id, found := r.host.tracker.LookupSlot(pid)
		if r.out.JSON() {
			_ = r.out.Success(lookupOutput{PID: pid, QueryID: int64(id), Found: found})
			return false
		}
		fmt.Fprintln(r.out.Writer, id)

	case `\procs`:
		procs := r.procs()
		if r.out.JSON() {
			_ = r.out.Success(procs)
			return false
		}
		rows := make([][]string, 0, len(procs))
		for _, p := range procs {
			rows = append(rows, []string{
				strconv.Itoa(p.Index),
				p.Kind,
				strconv.FormatInt(int64(p.PID), 10),
				p.Name,
				strconv.FormatInt(p.QueryID, 10),
			})
		}
		r.out.Table([]string{"index", "kind", "pid", "name", "query_id"}, rows)

	case `\c`, `\connect`:
		if len(fields) < 2 {
			_ = r.out.Error(ErrCodeInvalidInput, `usage: \connect <name>`, nil)
			return false
		}
		if err := r.connect(ctx, fields[1]); err != nil {
			_ = r.out.ServerError(err)
			return false
		}
		if !r.out.JSON() {
			fmt.Fprintf(r.out.Writer, "You are now connected as %q (pid %d).\n", fields[1], r.current.PID())
		}

	default:
		_ = r.out.Error(ErrCodeInvalidInput, fmt.Sprintf("invalid command %s", fields[0]), nil)
	}
	return false
}

// procs joins the process table with the registry cell of every entry.
func (r *repl) procs() []procOutput {
	snapshot := r.host.srv.ProcSnapshot()
	reg := r.host.tracker.Registry()

	out := make([]procOutput, 0, len(snapshot))
	for _, p := range snapshot {
		row := procOutput{ProcInfo: p}
		if reg != nil && p.Index < reg.Len() {
			row.QueryID = int64(reg.Get(p.Index))
		}
		out = append(out, row)
	}
	return out
}
