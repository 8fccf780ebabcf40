package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lofi/internal/replica"
	"github.com/roach88/lofi/internal/shape"
	"github.com/roach88/lofi/internal/store"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Shapes  []string
	Once    bool
	Timeout time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the local replica with the remote",
		Long: `Open the local replica, subscribe the given shapes and keep it in
sync with the remote until interrupted. Shapes persisted by earlier runs
are resumed.

A shape is a table name or a JSON object:
  --shape items
  --shape '{"table":"items","where":{"done":false},"include":["list"]}'

With --once the command exits after every shape has its snapshot and
the outbox is empty.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Shapes, "shape", nil, "shape to subscribe (repeatable)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit once synced")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "how long --once waits")
	cmd.Flags().String("remote", "", "remote sync URL (default remote.url)")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	rootOpts.bindFlag("remote.url", cmd.Flags().Lookup("remote"))
	rootOpts.bindFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	logger := opts.logger()
	shapes := make([]shapeFlag, 0, len(opts.Shapes))
	for _, s := range opts.Shapes {
		sf, err := parseShapeFlag(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --shape", err)
		}
		shapes = append(shapes, sf)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openReplica(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("close replica", "error", err)
		}
	}()

	var subs []*shape.Subscription
	for _, sf := range shapes {
		sub, err := r.Table(sf.Table).Sync(ctx, replica.SyncOptions{Where: sf.Where, Include: sf.Include})
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("subscribe %s", sf.Table), err)
		}
		logger.Info("shape subscribed", "table", sf.Table, "key", sub.Key())
		subs = append(subs, sub)
	}

	if err := r.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "start sync", err)
	}
	logger.Info("replica syncing", "client_id", r.Store().ClientID(), "remote", opts.Config.Remote.URL)

	if opts.Once {
		return waitSynced(ctx, r, subs, opts.Timeout, cmd)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return collectGarbage(gctx, r.Store(), opts.Config.Sync.GCInterval, logger) })
	g.Go(func() error { return serveMetrics(gctx, opts.Config.Metrics.Addr, logger) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "sync error", err)
	}
	// Both helpers return at once when disabled; the replica keeps syncing.
	<-ctx.Done()
	logger.Info("sync stopped")
	return nil
}

// waitSynced polls until every subscription has its snapshot and no log
// entry is pending.
func waitSynced(ctx context.Context, r *replica.Replica, subs []*shape.Subscription, timeout time.Duration, cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, sub := range subs {
		if err := sub.Wait(ctx); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("shape %s did not sync", sub.Key()), err)
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		pending, err := r.Store().PendingCount(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "read outbox", err)
		}
		if pending == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d shape(s)\n", len(subs))
			return nil
		}
		select {
		case <-ctx.Done():
			return WrapExitError(ExitFailure, fmt.Sprintf("%d entries still pending", pending), ctx.Err())
		case <-ticker.C:
		}
	}
}

// collectGarbage removes reclaimable tombstones every interval until ctx
// is done. A non-positive interval disables it.
func collectGarbage(ctx context.Context, s *store.Store, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		n, err := s.CollectGarbage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("garbage collection failed", "error", err)
			continue
		}
		if n > 0 {
			logger.Debug("tombstones collected", "count", n)
		}
	}
}
