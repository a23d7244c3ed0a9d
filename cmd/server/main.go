package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThomasHabets/livecount/internal/metrics"
	"github.com/ThomasHabets/livecount/internal/platform/config"
	"github.com/ThomasHabets/livecount/internal/platform/logging"
	"github.com/ThomasHabets/livecount/internal/platform/version"
	"github.com/ThomasHabets/livecount/internal/registry"
	"github.com/ThomasHabets/livecount/internal/server"
	"github.com/jonboulle/clockwork"
)

const shutdownTimeout = 10 * time.Second

func runGracefulShutdown(srv *server.Server, reg *registry.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		reg.Stop()

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "build", info.String(), "addr", cfg.ListenAddr, "trust_proxy", cfg.TrustProxy)

	promRegistry := metrics.NewRegistry()
	metrics.RegisterBuildInfo(promRegistry, info)

	reg := registry.New(metrics.NewRegistryMetrics(promRegistry), clock)
	srv := server.NewServer(cfg, reg, promRegistry, clock)

	done := runGracefulShutdown(srv, reg)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
