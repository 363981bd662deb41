package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/config"
	"github.com/nagesh-bhagelli/xpense/internal/handler"
	"github.com/nagesh-bhagelli/xpense/internal/infra/backend"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/query"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	return config.Load(configPath)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("invalidation_tick", cfg.InvalidationTick),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "xpense")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Backend ---
	b, err := backend.New(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer b.Cleanup()

	// --- Tracker ---
	tracker := service.NewTracker(b.Identity, b.Store, metrics, logger, query.WithTick(cfg.InvalidationTick))
	defer tracker.Close()
	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	// --- Router ---
	checks := make([]handler.HealthCheck, 0, len(b.Probes))
	for _, p := range b.Probes {
		checks = append(checks, handler.HealthCheck{Name: p.Name, Check: p.Check})
	}
	router := handler.NewRouter(tracker, metrics, logger, checks...)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
