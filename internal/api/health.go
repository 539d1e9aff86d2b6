package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker probes a remote service, such as the worker health endpoint.
type Checker interface {
	Check(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store   Pinger
	worker  Checker
	timeout time.Duration
}

// NewHealthHandler creates a health handler. worker may be nil when no
// worker probe is configured.
func NewHealthHandler(store Pinger, worker Checker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{store: store, worker: worker, timeout: timeout}
}

// Health reports liveness of the gateway process.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "chatrelay-gateway",
	})
}

// Ready returns the health status of the gateway's dependencies.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "store", "error", err)
		status["status"] = "degraded"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if h.worker != nil {
		if err := h.worker.Check(ctx); err != nil {
			slog.Warn("Health check failed", "dependency", "worker", "error", err)
			status["status"] = "degraded"
			checks["worker"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["worker"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
}
