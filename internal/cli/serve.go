package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lofi/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote source",
		Long: `Run the in-memory reference remote source for the configured schema.

Replicas connect over WebSocket at ws://<addr>/sync. State lives in memory
and is lost on exit.

Example:
  lofi serve --schema ./schema.cue --addr 127.0.0.1:7070`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	rootOpts.bindFlag("server.addr", cmd.Flags().Lookup("addr"))
	rootOpts.bindFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	logger := opts.logger()
	loaded, err := loadValidSchema(opts)
	if err != nil {
		return err
	}

	srv, err := server.New(loaded.Schema, server.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "start server", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, opts.Config.Server.Addr) })
	g.Go(func() error { return serveMetrics(ctx, opts.Config.Metrics.Addr, logger) })

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped", "lsn", srv.LSN())
	return nil
}
