package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/untoldecay/dts/internal/api"
	"github.com/untoldecay/dts/internal/config"
	"github.com/untoldecay/dts/internal/engine"
	"github.com/untoldecay/dts/internal/logging"
	"github.com/untoldecay/dts/internal/storage/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and REST API",
	Long: `Run the scheduler loop and the REST API in the foreground.

Loads configuration from defaults, an optional --config file, and DTS_*
environment variables. A lock file next to the database guards against a
second scheduler claiming from the same store. Stops cleanly on SIGINT
or SIGTERM.

Examples:
  dts serve
  dts serve --config dts.yaml
  DTS_PORT=9000 DTS_MAX_CONCURRENT=8 dts serve`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := runServe(); err != nil {
			fatalError("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, LogFile: cfg.LogFile})

	// One scheduler per store. A second process would double-claim
	// leases, so refuse to start instead.
	lockPath := cfg.DBPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring scheduler lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another scheduler is already running against %s", cfg.DBPath)
	}
	defer func() { _ = lock.Unlock() }()

	ctx := context.Background()
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}

	sched, err := engine.New(store, engine.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		TickMS:        cfg.SchedTickMS,
		LeaseMS:       cfg.LeaseMS,
		MaxAttempts:   cfg.MaxAttempts,
	}, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerConfig{
		Store:       store,
		Logger:      logger,
		Version:     Version,
		MaxAttempts: cfg.MaxAttempts,
	})

	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		sched.Stop()
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown", "error", err)
	}
	sched.Stop()

	logger.Info("shutdown complete")
	return nil
}
