package cli

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/ir"
)

func TestRunStatements(t *testing.T) {
	input := strings.Join([]string{
		"CREATE TABLE t (id INTEGER);",
		"INSERT INTO t VALUES (1);",
		"SELECT id",
		"  FROM t;",
		`\queryid`,
		`\q`,
		"SELECT 'never run';",
	}, "\n")

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), input)
	require.NoError(t, err)

	want, err := engine.NativeQueryID("SELECT id FROM t")
	require.NoError(t, err)

	assert.Contains(t, out, "CREATE TABLE\n")
	assert.Contains(t, out, "INSERT\n")
	assert.Contains(t, out, "psql-> id\n1\n(1 rows)\nSELECT\n")
	assert.Contains(t, out, "psql=> "+want.String()+"\n")
	assert.NotContains(t, out, "never run")
}

func TestRunStatementError(t *testing.T) {
	input := "SELEC 1;\n\\queryid\n"

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), input)
	require.NoError(t, err, "statement errors are reported, not returned")

	assert.Contains(t, out, "Error [EXECUTION_FAILED]")
	// Utility tracking recorded the failed statement before execution.
	assert.Contains(t, out, "psql=> "+ir.UtilityQueryID("SELEC 1", 0, 0).String()+"\n")
}

func TestRunFinalStatementWithoutSemicolon(t *testing.T) {
	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), "SELECT 1")
	require.NoError(t, err)
	assert.Contains(t, out, "SELECT\n")
}

func TestRunJSON(t *testing.T) {
	input := "SELECT 1;\n\\queryid\nSELEC 1;\n"

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "json"}), input)
	require.NoError(t, err)

	lines := jsonLines(t, out)
	require.Len(t, lines, 3)

	var exec struct {
		Status string     `json:"status"`
		Data   execOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &exec))
	assert.Equal(t, "ok", exec.Status)
	assert.Equal(t, int32(10005), exec.Data.PID, "first client pid follows the auxiliary processes")
	require.Len(t, exec.Data.Results, 1)
	assert.Equal(t, "SELECT", exec.Data.Results[0].Tag)
	assert.Equal(t, [][]string{{"1"}}, exec.Data.Results[0].Rows)

	var lookup struct {
		Status string       `json:"status"`
		Data   lookupOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &lookup))
	want, err := engine.NativeQueryID("SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(want), lookup.Data.QueryID)
	assert.True(t, lookup.Data.Found)

	var failed CLIResponse
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &failed))
	assert.Equal(t, "error", failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, string(engine.ErrCodeExecutionFailed), failed.Error.Code)
}

func TestRunMetaCommands(t *testing.T) {
	input := strings.Join([]string{
		"SELECT 1;",
		`\connect bob`,
		"SELECT 2;",
		`\procs`,
		`\queryid 10005`,
		`\queryid 999`,
		`\queryid abc`,
		`\connect`,
		`\bogus`,
	}, "\n")

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), input)
	require.NoError(t, err)

	first, err := engine.NativeQueryID("SELECT 1")
	require.NoError(t, err)

	assert.Contains(t, out, `You are now connected as "bob" (pid 10006).`)
	assert.Contains(t, out, "bob=> ")
	assert.Contains(t, out, "checkpointer")
	assert.Contains(t, out, "psql")
	assert.Contains(t, out, "bob=> "+first.String()+"\n", "lookup by pid sees another session's id")
	assert.Contains(t, out, "bob=> 0\n", "unknown pid reads as 0")
	assert.Contains(t, out, `Error [E_INVALID_INPUT]: invalid pid "abc"`)
	assert.Contains(t, out, `usage: \connect <name>`)
	assert.Contains(t, out, `invalid command \bogus`)
}

func TestRunProcsJSON(t *testing.T) {
	out, err := execute(t, NewRunCommand(&RootOptions{Format: "json"}), "SELECT 1;\n\\procs\n")
	require.NoError(t, err)

	lines := jsonLines(t, out)
	require.Len(t, lines, 2)

	var resp struct {
		Data []procOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp))

	want, err := engine.NativeQueryID("SELECT 1")
	require.NoError(t, err)

	var client *procOutput
	aux := 0
	for i := range resp.Data {
		switch resp.Data[i].Kind {
		case ir.ProcBackend.String():
			client = &resp.Data[i]
		case ir.ProcAuxiliary.String():
			aux++
		}
	}
	require.NotNil(t, client)
	assert.Equal(t, "psql", client.Name)
	assert.Equal(t, int64(want), client.QueryID)
	assert.Equal(t, ir.NumAuxiliaryProcs, aux)
}

func TestRunSuperuserSettings(t *testing.T) {
	input := "SET queryid.track_utility = off;\nSHOW queryid.track_utility;\n"

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), input)
	require.NoError(t, err)
	assert.Contains(t, out, "Error [PERMISSION_DENIED]")

	out, err = execute(t, NewRunCommand(&RootOptions{Format: "text"}), input, "--superuser")
	require.NoError(t, err)
	assert.NotContains(t, out, "Error")
	assert.Contains(t, out, "queryid.track_utility\noff\n")
}

func TestRunWithConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "host.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
host: {
	max_connections: 2
	first_pid:       500
}
`), 0644))

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text", Config: cfgPath}), `\connect b`+"\n"+`\connect c`+"\n")
	require.NoError(t, err)
	assert.Contains(t, out, `You are now connected as "b" (pid 506).`)
	assert.Contains(t, out, "Error [TOO_MANY_CONNECTIONS]")
}

func TestRunInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "host.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`host: max_connections: 0`), 0644))

	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text", Config: cfgPath}), "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunPersistsToDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "run.db")

	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}),
		"CREATE TABLE kv (k TEXT, v INTEGER);\nINSERT INTO kv VALUES ('a', 1);\n", "--db", dbPath)
	require.NoError(t, err)

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), "SELECT v FROM kv WHERE k = 'a';\n", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "v\n1\n(1 rows)\n")
}

func TestRunRejectsArguments(t *testing.T) {
	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), "", "extra")
	require.Error(t, err)
}

// jsonLines splits newline-delimited JSON output.
func jsonLines(t *testing.T, out string) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	require.NoError(t, scanner.Err())
	return lines
}
