package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `
name: valid
description: "A valid scenario"
schema: schema.cue
timeout: 2s
steps:
  - op: create
    table: lists
    data: { id: L1, name: Home, tags: [a, b] }
assertions:
  - type: row_count
    table: lists
    count: 1
`)

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "valid", sc.Name)
	assert.Equal(t, filepath.Join(dir, "schema.cue"), sc.Schema)
	assert.Equal(t, 2*time.Second, sc.Timeout)
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, OpCreate, sc.Steps[0].Op)
	assert.Equal(t, "Home", sc.Steps[0].Data["name"])
	assert.Equal(t, []any{"a", "b"}, sc.Steps[0].Data["tags"])
	require.Len(t, sc.Assertions, 1)
	assert.Equal(t, 1, sc.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `
name: based
schema: schemas/todo
steps:
  - op: gc
`)
	sc, err := LoadScenarioWithBasePath(path, "/project")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/project", "schemas/todo"), sc.Schema)
}

func TestLoadScenario_AbsoluteSchemaPath(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `
name: absolute
schema: /abs/schema.cue
steps:
  - op: gc
`)
	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "/abs/schema.cue", sc.Schema)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "missing name",
			src:     "schema: s\nsteps: [{op: gc}]\n",
			wantErr: "scenario name is required",
		},
		{
			name:    "missing schema",
			src:     "name: x\nsteps: [{op: gc}]\n",
			wantErr: "schema is required",
		},
		{
			name:    "no steps",
			src:     "name: x\nschema: s\n",
			wantErr: "at least one step",
		},
		{
			name:    "malformed yaml",
			src:     "name: [unclosed\n",
			wantErr: "parse scenario",
		},
		{
			name:    "unknown field",
			src:     "name: x\nschema: s\nflow_token: abc\nsteps: [{op: gc}]\n",
			wantErr: "field flow_token not found",
		},
		{
			name:    "unknown step field",
			src:     "name: x\nschema: s\nsteps: [{op: gc, invoke: y}]\n",
			wantErr: "field invoke not found",
		},
		{
			name:    "missing op",
			src:     "name: x\nschema: s\nsteps: [{table: lists}]\n",
			wantErr: "steps[0]: op is required",
		},
		{
			name:    "unknown op",
			src:     "name: x\nschema: s\nsteps: [{op: teleport}]\n",
			wantErr: `unknown op "teleport"`,
		},
		{
			name:    "create without data",
			src:     "name: x\nschema: s\nsteps: [{op: create, table: lists}]\n",
			wantErr: "data is required for create",
		},
		{
			name:    "live without name",
			src:     "name: x\nschema: s\nsteps: [{op: live, table: lists}]\n",
			wantErr: "name is required for live",
		},
		{
			name:    "delete without table",
			src:     "name: x\nschema: s\nsteps: [{op: delete}]\n",
			wantErr: "table is required for delete",
		},
		{
			name:    "connect without remote",
			src:     "name: x\nschema: s\nsteps: [{op: connect}]\n",
			wantErr: "connect requires remote: true",
		},
		{
			name:    "remote_put update without pk",
			src:     "name: x\nschema: s\nremote: true\nsteps: [{op: remote_put, table: lists, kind: update}]\n",
			wantErr: "pk is required for remote update",
		},
		{
			name:    "remote_put unknown kind",
			src:     "name: x\nschema: s\nremote: true\nsteps: [{op: remote_put, table: lists, kind: upsert}]\n",
			wantErr: `unknown remote_put kind "upsert"`,
		},
		{
			name:    "unknown assertion",
			src:     "name: x\nschema: s\nsteps: [{op: gc}]\nassertions: [{type: vibes}]\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "final_state without expect",
			src:     "name: x\nschema: s\nsteps: [{op: gc}]\nassertions: [{type: final_state, table: lists}]\n",
			wantErr: "expect or absent is required",
		},
		{
			name:    "remote_state without remote",
			src:     "name: x\nschema: s\nsteps: [{op: gc}]\nassertions: [{type: remote_state, table: lists}]\n",
			wantErr: "remote_state requires remote: true",
		},
		{
			name:    "negative count",
			src:     "name: x\nschema: s\nsteps: [{op: gc}]\nassertions: [{type: trace_count, op: gc, count: -1}]\n",
			wantErr: "count must be non-negative",
		},
		{
			name:    "trace_order without ops",
			src:     "name: x\nschema: s\nsteps: [{op: gc}]\nassertions: [{type: trace_order}]\n",
			wantErr: "ops list is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_TraceCountZeroAllowed(t *testing.T) {
	sc, err := ParseScenario([]byte("name: x\nschema: s\nsteps: [{op: gc}]\nassertions: [{type: trace_count, op: create, count: 0}]\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, sc.Assertions[0].Count)
}

func TestLoadExampleScenarios(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		sc, err := LoadScenario(p)
		require.NoError(t, err, p)
		assert.NotEmpty(t, sc.Description, p)
		_, err = os.Stat(sc.Schema)
		assert.NoError(t, err, "schema of %s", p)
	}
}
