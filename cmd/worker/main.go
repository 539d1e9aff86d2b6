// chatrelay worker: consumes user messages, calls the model and publishes replies.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/backend"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/ashureev/chatrelay/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	model, err := worker.NewModel(cfg.Worker)
	if err != nil {
		slog.Error("Failed to initialize model", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := backend.Open(ctx, cfg, "chatrelay-worker", logger)
	if err != nil {
		slog.Error("Failed to initialize backends", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := deps.Close(); closeErr != nil {
			slog.Error("Failed to close backends", "error", closeErr)
		}
	}()

	reg := metrics.NewRegistry()
	w := worker.New(deps.Store, deps.Bus, model, worker.Options{
		ID:               cfg.Worker.ID,
		Slots:            cfg.Worker.Slots,
		HistoryLimit:     cfg.HistoryLimit,
		InferenceTimeout: cfg.Worker.InferenceTimeout,
		Retry: shared.RetryPolicy{
			Attempts:  cfg.Gateway.PublishRetries,
			BaseDelay: cfg.Gateway.RetryBaseDelay,
		},
		Metrics: metrics.NewWorker(reg),
		Logger:  logger,
	})

	// Health service for the gateway's readiness probe.
	health := worker.NewHealthServer()
	lis, err := net.Listen("tcp", cfg.Worker.HealthAddr)
	if err != nil {
		slog.Error("Failed to listen for health checks", "addr", cfg.Worker.HealthAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			slog.Error("Health server failed", "error", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Worker.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("Metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	health.SetServing(true)
	runErr := w.Run(ctx)
	health.SetServing(false)

	slog.Info("Shutting down gracefully...")
	health.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("Worker stopped with error", "error", runErr)
		return
	}
	slog.Info("Worker stopped successfully")
}
