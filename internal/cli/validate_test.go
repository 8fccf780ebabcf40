package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/compiler"
)

const cyclicSchema = `
table: a: {
	columns: {id: string, b_id: string | null}
	relations: b: {field: "b_id", table: "b", on_delete: "set_null"}
}
table: b: {
	columns: {id: string, a_id: string | null}
	relations: a: {field: "a_id", table: "a", on_delete: "set_null"}
}
`

func TestValidate_Valid(t *testing.T) {
	out, _, err := execute(t, "validate", todoSchema)
	require.NoError(t, err)
	assert.Contains(t, out, "ok Schema valid (2 table(s))")
	assert.NotContains(t, out, "warning")
}

func TestValidate_ValidJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "validate", todoSchema)
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Tables)
	assert.Empty(t, result.Errors)
}

func TestValidate_CyclesAreWarnings(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cycle.cue", cyclicSchema)

	out, _, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema valid")
	assert.Contains(t, out, "warning:")
}

func TestValidate_Invalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pk.cue", "table: t: columns: {id: int}\n")

	out, _, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "x Validation failed")
	assert.Contains(t, out, compiler.ErrInvalidPrimaryKey)
}

func TestValidate_InvalidJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pk.cue", "table: t: columns: {id: int}\n")

	out, _, err := execute(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, compiler.ErrInvalidPrimaryKey, resp.Error.Code)
}

func TestValidate_LoadFailure(t *testing.T) {
	_, _, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
}
