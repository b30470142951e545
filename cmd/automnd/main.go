// automnd is the Automn host control plane. It keeps the runner registry,
// accepts runner registrations and heartbeats, and dispatches script runs to
// healthy runners.
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

	"github.com/automn-run/automn/internal/config"
	"github.com/automn-run/automn/internal/hostapi"
	"github.com/automn-run/automn/internal/postgres"
)

const shutdownTimeout = 15 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := config.ResolveHostPath()
	cfg, err := config.LoadHost(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The registry lives in Postgres when DATABASE_URL is set, in memory
	// otherwise. The memory store loses registrations on restart; runners
	// reappear on their next heartbeat.
	var store hostapi.RunnerStore
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgStore := postgres.NewRunnerStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		store = pgStore
		slog.Info("runner registry backed by postgres")
	} else {
		store = hostapi.NewMemoryRunnerStore()
		slog.Info("runner registry in memory; set DATABASE_URL to persist")
	}

	srv := &hostapi.Server{
		Config: cfg,
		Store:  store,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           hostapi.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("host listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
