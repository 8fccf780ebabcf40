package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "lofi", cmd.Use)
	assert.Contains(t, cmd.Long, "local-first")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"compile", "validate", "serve", "sync", "query", "status", "test"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	flags := cmd.PersistentFlags()

	verbose := flags.Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "text", flags.Lookup("format").DefValue)
	assert.Equal(t, "c", flags.Lookup("config").Shorthand)
	for _, name := range []string{"schema", "db", "log-file"} {
		assert.NotNil(t, flags.Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "--format", "yaml", "validate", todoSchema)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestConfigFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, config.FileName, "schema: does-not-exist.cue\nstore:\n  path: from-file.db\n")

	// The schema comes from the file.
	_, _, err := execute(t, "-c", cfgPath, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "does-not-exist.cue")

	// The flag wins over the file.
	out, _, err := execute(t, "-c", cfgPath, "--schema", todoSchema, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema valid (2 table(s))")
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), config.FileName, "sync:\n  conflict_strategy: coin-flip\n")

	_, _, err := execute(t, "-c", cfgPath, "validate", todoSchema)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestVerboseLogsToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "lofi.log")

	_, stderr, err := execute(t, "-v", "--log-file", logPath, "--schema", todoSchema, "--db", filepath.Join(t.TempDir(), "r.db"), "status")
	require.NoError(t, err)
	assert.Empty(t, stderr)
	assert.FileExists(t, logPath)
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)

	logger.Info("hidden")
	logger.Warn("shown", "table", "items")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"table":"items"`)
}

func TestBindFlag(t *testing.T) {
	opts := &RootOptions{Viper: config.New(), Format: "text"}
	cmd := &cobra.Command{Use: "sync"}
	cmd.Flags().String("remote", "", "")
	require.NoError(t, cmd.Flags().Set("remote", "ws://example.com/sync"))

	opts.bindFlag("remote.url", cmd.Flags().Lookup("remote"))
	assert.Empty(t, opts.bindErrs)
	assert.Equal(t, "ws://example.com/sync", opts.Viper.GetString("remote.url"))

	opts.bindFlag("metrics.addr", cmd.Flags().Lookup("metrics-adr"))
	err := opts.load(cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "bind metrics.addr: no such flag")
}
