package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/ir"
)

// StatementHash is the pair of identifiers one statement can receive.
type StatementHash struct {
	Location int    `json:"location"`
	Length   int    `json:"length"`
	Text     string `json:"text"`
	Jumble   string `json:"jumble"`

	// StatementID is the native id the host assigns when the statement is
	// planned (DML).
	StatementID int64 `json:"statement_id"`

	// UtilityID is the id the tracker derives from the statement text when
	// it is a utility command and utility tracking is on.
	UtilityID int64 `json:"utility_id"`
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <source>",
		Short: "Compute query ids for statement text",
		Long: `Split source text into statements and print, for each one, the native
identifier a planned statement receives and the identifier utility
tracking derives from its trimmed text.

Arguments are joined with spaces, so quoting the source is optional.

Examples:
  qidtrack hash "SELECT * FROM t WHERE id = 1"
  qidtrack hash "BEGIN; UPDATE t SET v = 2; COMMIT" --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(rootOpts, strings.Join(args, " "), cmd)
		},
	}

	return cmd
}

func runHash(opts *RootOptions, src string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	hashes, err := hashStatements(src)
	if err != nil {
		_ = formatter.ServerError(err)
		return WrapExitError(ExitFailure, "failed to hash statements", err)
	}
	if len(hashes) == 0 {
		_ = formatter.Error(ErrCodeInvalidInput, "no statements in input", nil)
		return NewExitError(ExitFailure, "no statements in input")
	}

	if formatter.JSON() {
		return formatter.Success(hashes)
	}

	rows := make([][]string, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, []string{
			strconv.Itoa(h.Location),
			strconv.Itoa(h.Length),
			strconv.FormatInt(h.StatementID, 10),
			strconv.FormatInt(h.UtilityID, 10),
			h.Text,
		})
	}
	formatter.Table([]string{"location", "length", "statement_id", "utility_id", "text"}, rows)
	for _, h := range hashes {
		formatter.VerboseLog("jumble %q", h.Jumble)
	}
	return nil
}

func hashStatements(src string) ([]StatementHash, error) {
	stmts, err := engine.SplitStatements(src)
	if err != nil {
		return nil, err
	}

	out := make([]StatementHash, 0, len(stmts))
	for _, st := range stmts {
		jumble, err := engine.Jumble(st.Text)
		if err != nil {
			return nil, err
		}
		out = append(out, StatementHash{
			Location:    st.Location,
			Length:      st.Length,
			Text:        st.Text,
			Jumble:      jumble,
			StatementID: int64(ir.StatementQueryID(jumble)),
			UtilityID:   int64(ir.UtilityQueryID(src, st.Location, st.Length)),
		})
	}
	return out, nil
}
