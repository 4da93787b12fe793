package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/printledger/internal/config"
	"github.com/MarkoPoloResearchLab/printledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/printledger/internal/housekeeping"
	"github.com/MarkoPoloResearchLab/printledger/internal/httpapi"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC ledger API and the HTTP console, and run periodic sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.RequireConsole(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			app, err := openApplication(ctx, *cfg)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			return runServer(ctx, app)
		},
	}
}

func runServer(ctx context.Context, app *application) error {
	handler, err := httpapi.NewHandler(app.logger, app.accounts, app.queue, clock, app.cfg.Operators)
	if err != nil {
		return fmt.Errorf("console init: %w", err)
	}
	scheduler, err := newScheduler(app)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", app.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.Register(grpcServer, grpcserver.NewLedgerServer(app.accounts, clock))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		app.logger.Info("gRPC server starting",
			zap.String("listen_addr", app.cfg.GRPCListenAddr),
			zap.String("driver", app.driver))
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- httpapi.Run(runCtx, httpapi.Config{
			ListenAddr:        app.cfg.HTTPListenAddr,
			AllowedOrigins:    app.cfg.AllowedOrigins,
			SessionSigningKey: app.cfg.SessionSigningKey,
			SessionIssuer:     app.cfg.SessionIssuer,
			SessionCookieName: app.cfg.SessionCookieName,
			Operators:         app.cfg.Operators,
		}, handler, app.logger)
	}()
	sweepsDone := make(chan struct{})
	go func() {
		defer close(sweepsDone)
		app.logger.Info("housekeeping started", zap.Strings("jobs", scheduler.Jobs()))
		scheduler.Run(runCtx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown requested")
	case serveErr = <-errCh:
	}
	cancel()
	grpcServer.GracefulStop()
	<-sweepsDone
	if errors.Is(serveErr, grpc.ErrServerStopped) {
		return nil
	}
	return serveErr
}

func newScheduler(app *application) (*housekeeping.Scheduler, error) {
	settings := housekeeping.CommitSettings{Threshold: app.cfg.BatchThreshold, Logger: app.logger}
	jobs := []housekeeping.Job{
		housekeeping.VoucherSweep(app.accounts, app.ledgerStore.Begin, app.cfg.VoucherSweepInterval, settings),
		housekeeping.OutboxPrune(app.queue, app.outboxStore.Begin, app.cfg.OutboxPruneInterval, settings),
	}
	if app.cfg.HistoryPruneEnabled() {
		jobs = append(jobs, housekeeping.HistoryPrune(app.accounts, app.ledgerStore.Begin, app.cfg.HistoryRetention, app.cfg.HistoryPruneInterval, settings))
	}
	return housekeeping.NewScheduler(app.logger, clock, jobs...)
}
