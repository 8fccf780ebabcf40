package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"pending": 3}))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data["pending"])

	buf.Reset()
	require.NoError(t, formatter.Error(ErrCodeNotFound, "schema not found: x.cue", map[string]string{"path": "x.cue"}))

	var errResp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &errResp))
	assert.Equal(t, "error", errResp.Status)
	require.NotNil(t, errResp.Error)
	assert.Equal(t, ErrCodeNotFound, errResp.Error.Code)
	assert.Equal(t, "schema not found: x.cue", errResp.Error.Message)
	assert.NotNil(t, errResp.Error.Details)
}

func TestOutputFormatter_Text(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, formatter.Error("E103", "primary key id must be a string", map[string]string{"table": "t"}))
			assert.Contains(t, buf.String(), "Error [E103]: primary key id must be a string")
			assert.Equal(t, tt.wantDetails, bytes.Contains(buf.Bytes(), []byte("Details:")))
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	formatter.VerboseLog("Loaded %d table(s)", 2)
	assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
	assert.Equal(t, "Loaded 2 table(s)\n", diag.String())

	formatter.Verbose = false
	formatter.VerboseLog("dropped")
	assert.NotContains(t, diag.String(), "dropped")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))

	wrapped := fmt.Errorf("run: %w", WrapExitError(ExitFailure, "validation failed", errors.New("E103")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "run: validation failed: E103", wrapped.Error())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	text := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, text.Fail("E_TEST_FAILED", "1 scenario(s) failed", nil))
	assert.Empty(t, buf.String())

	formatter := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, formatter.Fail("E101", "missing primary key", []string{"items"}))

	var resp struct {
		CLIResponse
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E101", resp.Error.Code)
	assert.Equal(t, []string{"items"}, resp.Data)
	assert.Contains(t, buf.String(), "\n  \"status\"", "failure reports are indented")
}
