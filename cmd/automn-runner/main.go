// automn-runner is the execution agent. It registers with an Automn host,
// accepts dispatched script runs over HTTP, and streams their output back as
// newline-delimited JSON.
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
	"github.com/automn-run/automn/internal/engine"
	"github.com/automn-run/automn/internal/interp"
	"github.com/automn-run/automn/internal/janitor"
	"github.com/automn-run/automn/internal/packages"
	"github.com/automn-run/automn/internal/registration"
	"github.com/automn-run/automn/internal/runnerapi"
)

const shutdownTimeout = 15 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := config.ResolveRunnerPath()
	cfg, err := config.LoadRunner(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	resolver := interp.NewResolver(cfg.RuntimeExecutables)
	pkgs := packages.NewManager(cfg.WorkdirDir)
	eng := engine.New(resolver, pkgs, cfg.ScriptsDir)

	store := registration.NewStore(cfg.StateFile)
	mgr, err := registration.NewManager(cfg, store, resolver, nil)
	if err != nil {
		slog.Error("failed to load runner state", "error", err)
		os.Exit(1)
	}

	srv := &runnerapi.Server{
		Config:       cfg,
		Engine:       eng,
		Registration: mgr,
		Packages:     pkgs,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reinstall node_modules trees lost to a cache clear or fresh volume.
	go pkgs.RehydratePackageCache(ctx)

	sweep := janitor.New(cfg.ScriptsDir, cfg.WorkdirDir)
	if err := sweep.Start(); err != nil {
		slog.Error("failed to start harness sweep", "error", err)
		os.Exit(1)
	}
	defer sweep.Stop()

	// First registration attempt at boot; heartbeats take over from there.
	if mgr.SecretConfigured() {
		if err := mgr.Register(ctx, cfg.StatusMessage); err != nil {
			slog.Error("registration state persist failed", "error", err)
		}
	}
	mgr.Start(ctx)
	defer mgr.Stop()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           runnerapi.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("runner listening", "addr", httpServer.Addr)
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
