package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/compiler"
	"github.com/roach88/lofi/internal/replica"
)

const todoSchema = "testdata/schema.cue"

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// seedReplica creates a replica database at path with the todo schema and
// runs fn against it before closing.
func seedReplica(t *testing.T, path string, fn func(ctx context.Context, r *replica.Replica)) {
	t.Helper()
	ctx := context.Background()
	loaded, err := compiler.Load(todoSchema)
	require.NoError(t, err)
	require.NoError(t, loaded.Err())

	r, err := replica.Open(ctx, replica.Options{Path: path, Schema: loaded.Schema, ClientID: "cli-test"})
	require.NoError(t, err)
	fn(ctx, r)
	require.NoError(t, r.Close())
}

func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp.CLIResponse
}
