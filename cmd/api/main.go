// Package main is the entry point for the billing webhook API server.
//
// It loads configuration, wires the ingestion pipeline against Postgres and
// serves POST /webhooks/stripe and GET /health until SIGINT or SIGTERM.
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

	"tripledger/internal/api/handlers"
	"tripledger/internal/app"
	"tripledger/internal/config"
	"tripledger/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	comps, err := app.New(startCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring components: %w", err)
	}

	srv, err := buildServer(cfg, logger, comps.Ingestor, comps.Pool, comps.RequestMetrics)
	if err != nil {
		comps.Close()
		return err
	}
	srv.Closers = append(srv.Closers, comps.Close)

	return runHTTPServer(srv, cfg, logger)
}

// buildServer mounts the webhook route and database health probe on the
// core chassis.
func buildServer(
	cfg *config.Config,
	logger *slog.Logger,
	ingestor handlers.Ingestor,
	database core.Pinger,
	metrics core.MetricsCollector,
) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	srv.Metrics = metrics
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Label: "database", Target: database})

	webhooks := handlers.NewStripeWebhookHandler(ingestor, logger)
	srv.RouteRegistrars = append(srv.RouteRegistrars, webhooks.RegisterRoutes)
	srv.MountRoutes()

	return srv, nil
}

// shutdownGrace bounds how long in-flight deliveries may take to drain.
const shutdownGrace = 10 * time.Second

// runHTTPServer serves until SIGINT/SIGTERM or a listener failure, then
// drains in-flight requests before releasing the server's resources.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		listenErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(drainCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown: %w", err)
	}

	if runErr == nil {
		logger.Info("server stopped cleanly")
	}
	return runErr
}
