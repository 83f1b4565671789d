package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qidtrack/internal/engine"
	"github.com/roach88/qidtrack/internal/ir"
)

func TestHashStatements(t *testing.T) {
	src := "BEGIN;  UPDATE t SET v = 2 WHERE id = 1 ; COMMIT"

	hashes, err := hashStatements(src)
	require.NoError(t, err)
	require.Len(t, hashes, 3)

	assert.Equal(t, "BEGIN", hashes[0].Text)
	assert.Equal(t, 0, hashes[0].Location)
	assert.Equal(t, 5, hashes[0].Length)

	update := hashes[1]
	assert.Equal(t, "UPDATE t SET v = 2 WHERE id = 1", update.Text)
	assert.Equal(t, "update t set v = ? where id = ?", update.Jumble)
	native, err := engine.NativeQueryID("update T set V = 9 where ID = 4")
	require.NoError(t, err)
	assert.Equal(t, int64(native), update.StatementID, "constants and keyword case do not change the native id")
	assert.Equal(t, int64(ir.UtilityQueryID(update.Text, 0, 0)), update.UtilityID, "utility ids hash the trimmed text")

	commit := hashes[2]
	assert.Equal(t, 0, commit.Length, "a final statement without semicolon runs to the end")
	assert.Equal(t, int64(ir.UtilityQueryID("COMMIT", 0, 0)), commit.UtilityID)
}

func TestHashCommand_Text(t *testing.T) {
	out, err := execute(t, NewHashCommand(&RootOptions{Format: "text"}), "", "CHECKPOINT")
	require.NoError(t, err)

	assert.Contains(t, out, "location  length  statement_id")
	assert.Contains(t, out, ir.UtilityQueryID("CHECKPOINT", 0, 0).String())
}

func TestHashCommand_JoinsArguments(t *testing.T) {
	out, err := execute(t, NewHashCommand(&RootOptions{Format: "json"}), "", "SELECT", "1")
	require.NoError(t, err)

	var resp struct {
		Data []StatementHash `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "SELECT 1", resp.Data[0].Text)
	assert.Equal(t, "select ?", resp.Data[0].Jumble)
}

func TestHashCommand_Errors(t *testing.T) {
	out, err := execute(t, NewHashCommand(&RootOptions{Format: "text"}), "", "SELECT 'unterminated")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [SYNTAX_ERROR]")

	out, err = execute(t, NewHashCommand(&RootOptions{Format: "text"}), "", ";  ;")
	require.Error(t, err)
	assert.Contains(t, out, "no statements in input")
}
