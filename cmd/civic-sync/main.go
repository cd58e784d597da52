package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencivic/civic-sync/internal/config"
	"github.com/opencivic/civic-sync/internal/control"
	"github.com/opencivic/civic-sync/internal/identity"
	"github.com/opencivic/civic-sync/internal/logging"
	"github.com/opencivic/civic-sync/internal/remote"
	"github.com/opencivic/civic-sync/internal/scheduler"
	"github.com/opencivic/civic-sync/internal/settings"
	"github.com/opencivic/civic-sync/internal/store"
	"github.com/opencivic/civic-sync/internal/syncer"
)

var Version = "dev"

const controlShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("civic-sync starting",
		slog.String("version", Version),
		slog.String("server_url", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenAt(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer db.Close()

	logger.Info("local state ready",
		slog.String("path", cfg.StateDBPath),
		slog.String("device_id", db.DeviceID()),
	)

	defaults, err := cfg.SyncDefaults()
	if err != nil {
		return fmt.Errorf("loading sync defaults: %w", err)
	}

	cfgMgr, err := settings.NewManager(db, defaults, logger)
	if err != nil {
		return fmt.Errorf("loading sync settings: %w", err)
	}

	client := remote.NewClient(cfg.ServerURL, nil)
	owner := identity.NewFileProvider(cfg.SessionPath)

	engine := syncer.New(db, cfgMgr, client, owner, logger)

	ctrl := control.New(cfgMgr, logger)
	sched := scheduler.New(cfgMgr, ctrl.Wrap(engine), nil, logger)
	ctrl.AttachScheduler(sched)
	defer sched.Shutdown()

	sched.SchedulePeriodic()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchIdentity(gctx, cfg.SessionPath, owner, sched, logger)
	})

	g.Go(func() error {
		return serveControl(gctx, cfg.ControlListenAddr, ctrl, logger)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("civic-sync stopped")

	return nil
}

// watchIdentity reacts to session-file changes: a sign-in or account
// switch triggers an immediate cycle so the new account's data lands
// without waiting for the next tick.
func watchIdentity(ctx context.Context, sessionPath string, owner *identity.FileProvider, sched *scheduler.Scheduler, logger *slog.Logger) error {
	watcher, err := identity.NewWatcher(sessionPath, func() {
		if owner.OwnerID() == "" {
			logger.Info("session cleared, sync paused until next sign-in")
			return
		}

		logger.Info("session changed, requesting sync")
		sched.RunOnce()
	}, logger)
	if err != nil {
		return fmt.Errorf("watching session file: %w", err)
	}

	return watcher.Run(ctx)
}

// serveControl runs the localhost control API until ctx is cancelled.
func serveControl(ctx context.Context, addr string, ctrl *control.Controller, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           control.NewMux(control.MuxConfig{Controller: ctrl, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("control API listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control API: %w", err)
	}

	return ctx.Err()
}
