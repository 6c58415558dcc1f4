// Command tinytraffic-server runs the traffic sync daemon: scheduled syncs of
// every Voluum source, hourly rollups, anomaly detection and retention, plus
// the HTTP API for on-demand runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/config"
	"github.com/nicktill/tinytraffic/pkg/logging"
	"github.com/nicktill/tinytraffic/pkg/server"
	"github.com/nicktill/tinytraffic/pkg/storage"
)

// stopTimeout bounds the wait for task loops after the HTTP server is down.
const stopTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "tinytraffic-server",
		Short:        "Sync Voluum traffic, roll it up hourly and flag anomalies",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file (default ./tinytraffic.yaml if present)")
	return cmd
}

// app is the daemon's wired object graph.
type app struct {
	store       storage.Store
	srv         *server.Server
	closeLocker func() error
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	src, err := server.OpenSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	store, err := server.OpenStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	locker, closeLocker, err := server.OpenLocker(ctx, cfg.Lease, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	srv, err := server.New(server.Deps{
		Config: cfg,
		Store:  store,
		Source: src,
		Locker: locker,
		Logger: logger,
	})
	if err != nil {
		closeLocker()
		store.Close()
		return nil, err
	}
	return &app{store: store, srv: srv, closeLocker: closeLocker}, nil
}

func (a *app) Close() error {
	return errors.Join(a.closeLocker(), a.store.Close())
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	logger, err := logging.New(cfg.Log.Logging())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logger.Sync()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	logger.Info("starting tinytraffic server",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("lease", cfg.Lease.Backend),
		zap.Int64("max_storage_gb", cfg.Storage.MaxStorageGB))

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	tasksCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	wg := a.srv.Start(tasksCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = err
		logger.Error("http server failed", zap.Error(err))
	}

	// Stop the task loops before waiting on them.
	cancelTasks()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("background tasks stopped")
	case <-time.After(stopTimeout):
		logger.Warn("some background tasks did not stop in time")
	}
	return runErr
}
