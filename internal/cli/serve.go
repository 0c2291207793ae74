package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/g960059/hivesync/internal/auth"
	"github.com/g960059/hivesync/internal/backfill"
	"github.com/g960059/hivesync/internal/config"
	"github.com/g960059/hivesync/internal/daemon"
	"github.com/g960059/hivesync/internal/db"
	"github.com/g960059/hivesync/internal/heartbeat"
	"github.com/g960059/hivesync/internal/logging"
	"github.com/g960059/hivesync/internal/nodeclient"
	"github.com/g960059/hivesync/internal/observability"
	"github.com/g960059/hivesync/internal/reconcile"
	"github.com/g960059/hivesync/internal/syncstate"
)

func ServeCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, heartbeat sweep and reconciliation loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			logger := logging.New(cfg.Log, cmd.ErrOrStderr())
			return serve(ctx, cfg, logger)
		},
	}
}

// services holds the long-lived components of a running daemon.
type services struct {
	store       *db.Store
	monitor     *heartbeat.Monitor
	coordinator *backfill.Coordinator
	reconciler  *reconcile.Reconciler
	server      *daemon.Server
}

func newServices(store *db.Store, cfg config.Config, clk clock.Clock, logger zerolog.Logger) (*services, error) {
	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorParams{
		Store:          store,
		Clock:          clk,
		LivenessWindow: cfg.LivenessWindow,
		SweepInterval:  cfg.SweepInterval(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	machine := syncstate.New(store, clk)
	sender := nodeclient.New(nodeclient.Options{
		RequestTimeout: cfg.BackfillRequestTimeout,
		Rate:           cfg.NodeRequestRate,
		Burst:          cfg.NodeRequestBurst,
	})
	coordinator, err := backfill.NewCoordinator(backfill.CoordinatorParams{
		Store:          store,
		Machine:        machine,
		Sender:         sender,
		Tracker:        backfill.NewTracker(clk, cfg.TrackerTTL),
		Clock:          clk,
		RequestTimeout: cfg.BackfillRequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	reconciler, err := reconcile.NewReconciler(reconcile.Params{
		Store:      store,
		Machine:    machine,
		Backfiller: coordinator,
		Liveness:   monitor,
		Config:     cfg,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	monitor.OnConnectionStateChange(reconciler.HandleConnectionEvent)

	server := daemon.NewServer(cfg, daemon.Deps{
		Store:       store,
		Monitor:     monitor,
		Machine:     machine,
		Coordinator: coordinator,
		Resolver:    auth.NewResolver(auth.NewStaticSessions(cfg.Sessions), store, clk),
		Clock:       clk,
		Logger:      logger,
	})
	return &services{
		store:       store,
		monitor:     monitor,
		coordinator: coordinator,
		reconciler:  reconciler,
		server:      server,
	}, nil
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	svc, err := newServices(store, cfg, clock.New(), logger)
	if err != nil {
		return err
	}
	if err := svc.monitor.Start(ctx); err != nil {
		return err
	}
	if err := svc.reconciler.Start(ctx); err != nil {
		_ = svc.monitor.Stop(context.Background())
		return err
	}
	logger.Info().Str("db", cfg.DBPath).Msg("hived started")

	serveErr := svc.server.Start(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultConfig().ShutdownTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	if err := svc.reconciler.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop reconciler: %w", err))
	}
	if err := svc.monitor.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop heartbeat monitor: %w", err))
	}
	svc.reconciler.Wait()
	svc.coordinator.Wait()
	if err := shutdownTracing(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	logger.Info().Msg("hived stopped")
	return errors.Join(append([]error{serveErr}, errs...)...)
}
