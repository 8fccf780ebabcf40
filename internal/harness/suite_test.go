package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuite_ExampleScenarios(t *testing.T) {
	result, err := RunSuite(context.Background(), "testdata/scenarios")
	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalScenarios)
	assert.True(t, result.OK(), "failures: %+v", result.Failures)
	assert.Equal(t, 4, result.Passed)
}

func TestRunSuite_ReportsFailures(t *testing.T) {
	dir := t.TempDir()
	schema, err := filepath.Abs("testdata/schema")
	require.NoError(t, err)

	files := map[string]string{
		"a_pass.yaml": "name: pass\nschema: " + schema + "\nsteps:\n  - op: create\n    table: lists\n    data: { id: L1, name: x }\n",
		"b_assert.yml": "name: assert\nschema: " + schema + "\nsteps: [{op: gc}]\n" +
			"assertions: [{type: row_count, table: lists, count: 3}]\n",
		"c_abort.yaml":   "name: abort\nschema: " + schema + "\nsteps: [{op: delete, table: lists}]\n",
		"d_broken.yaml":  "name: broken\n",
		"notes.txt":      "ignored",
		".hidden/x.yaml": "not even yaml: [",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	result, err := RunSuite(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalScenarios)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 3, result.Failed)
	assert.False(t, result.OK())

	require.Len(t, result.Failures, 3)
	assert.Equal(t, "assert", result.Failures[0].Scenario)
	assert.Contains(t, result.Failures[0].Error, "assertions failed")
	assert.Equal(t, "abort", result.Failures[1].Scenario)
	assert.Contains(t, result.Failures[1].Error, "execution failed")
	assert.Empty(t, result.Failures[2].Scenario)
	assert.Contains(t, result.Failures[2].Error, "failed to load scenario")
}

func TestFindScenarios_File(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios/todo_offline.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"testdata/scenarios/todo_offline.yaml"}, paths)

	_, err = FindScenarios(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
