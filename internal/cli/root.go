package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/lofi/internal/config"
)

// RootOptions holds global flags and the configuration resolved from them.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	LogFile    string

	// Viper merges lofi.yaml, LOFI_* variables and bound flags.
	Viper  *viper.Viper
	Config config.Config
	Logger *slog.Logger

	closeLog io.Closer
	bindErrs []error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the lofi CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Viper: config.New()}

	cmd := &cobra.Command{
		Use:   "lofi",
		Short: "lofi - local-first sync engine",
		Long: `A local-first sync engine: SQLite replicas with live queries and
shape-based partial replication against a remote change stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./"+config.FileName+" if present)")
	flags.StringVar(&opts.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")
	flags.String("schema", "", "CUE schema file or package directory")
	flags.String("db", "", "path to the replica database")
	opts.bindFlag("schema", flags.Lookup("schema"))
	opts.bindFlag("store.path", flags.Lookup("db"))
	opts.bindFlag("log.file", flags.Lookup("log-file"))

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// bindFlag binds a command flag to a configuration key so the flag wins
// over lofi.yaml and LOFI_* when set. Failures surface from load, before
// any command runs.
func (o *RootOptions) bindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		o.bindErrs = append(o.bindErrs, fmt.Errorf("bind %s: no such flag", key))
		return
	}
	if o.Viper == nil {
		return
	}
	if err := o.Viper.BindPFlag(key, flag); err != nil {
		o.bindErrs = append(o.bindErrs, fmt.Errorf("bind %s: %w", key, err))
	}
}

// load resolves configuration and installs the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if err := errors.Join(o.bindErrs...); err != nil {
		return WrapExitError(ExitCommandError, "invalid flag binding", err)
	}
	if o.Viper == nil {
		o.Viper = config.New()
	}
	if o.Verbose {
		o.Viper.Set("log.level", "debug")
	}
	cfg, err := config.Load(o.Viper, o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Format == "json" {
		cfg.Log.Format = "json"
	}
	o.Config = cfg

	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}
	o.Logger, o.closeLog = logger, closer
	slog.SetDefault(logger)
	return nil
}

func (o *RootOptions) close() error {
	if o.closeLog == nil {
		return nil
	}
	err := o.closeLog.Close()
	o.closeLog = nil
	return err
}

// logger returns the configured logger, or the default one for commands
// constructed without the root (tests).
func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
