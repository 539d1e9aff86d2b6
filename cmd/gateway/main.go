// chatrelay gateway: token issuance, chat history and the WebSocket relay.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/backend"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/gateway"
	"github.com/ashureev/chatrelay/internal/metrics"
	"github.com/ashureev/chatrelay/internal/middleware"
	"github.com/ashureev/chatrelay/internal/shared"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/worker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
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

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"store", cfg.StoreBackend, "bus", cfg.BusBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	deps, err := backend.Open(ctx, cfg, "chatrelay-gateway", logger)
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
	gatewayMetrics := metrics.NewGateway(reg)

	// Optional worker readiness probe.
	var workerProbe api.Checker
	if cfg.Gateway.WorkerHealthAddr != "" {
		hc, err := worker.NewHealthClient(cfg.Gateway.WorkerHealthAddr, logger)
		if err != nil {
			slog.Warn("Worker health probe disabled", "error", err)
		} else {
			defer hc.Close()
			workerProbe = hc
			slog.Info("Worker health probe enabled", "address", cfg.Gateway.WorkerHealthAddr)
		}
	}

	// Initialize handlers.
	manager := gateway.NewManager()
	wsHandler := gateway.NewHandler(deps.Store, deps.Bus, manager, gateway.Options{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		PublishRetry: shared.RetryPolicy{
			Attempts:  cfg.Gateway.PublishRetries,
			BaseDelay: cfg.Gateway.RetryBaseDelay,
		},
		SessionCheckInterval: cfg.Gateway.SessionCheckInterval,
		RateLimit:            rate.Limit(cfg.Gateway.RateLimitPerSecond),
		RateBurst:            cfg.Gateway.RateLimitBurst,
		Metrics:              gatewayMetrics,
		Logger:               logger,
	})
	sessionHandler := api.NewSessionHandler(api.NewHandler(deps.Store, cfg.HistoryLimit))
	healthHandler := api.NewHealthHandler(deps.Store, workerProbe, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	if cfg.Gateway.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler(reg))
	}

	// WebSocket endpoint.
	r.Get("/chat", wsHandler.ServeHTTP)

	// No WriteTimeout: WebSocket connections are long lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Expired SQLite rows are purged in the background; reads never depend on it.
	if cfg.StoreBackend == config.BackendSQLite {
		store.StartTTLWorker(ctx, deps.Store, cfg.Gateway.SweepInterval, func(purged int64) {
			slog.Info("Expired sessions purged", "count", purged, "live_connections", manager.Count())
		})
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	wsHandler.Shutdown()

	slog.Info("Server stopped successfully")
}
