package http

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health-related HTTP requests.
type HealthHandler struct {
	store     Pinger
	version   string
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the health check response body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store Pinger, version string, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		store:     store,
		version:   version,
		startTime: time.Now(),
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the health router.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HealthCheck)
	r.Get("/ready", h.ReadinessCheck)
	r.Get("/live", h.LivenessCheck)
	return r
}

// HealthCheck handles GET /api/health.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	storeHealth := map[string]interface{}{"status": "healthy"}
	if err := h.store.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "store ping failed",
			slog.String("error", err.Error()))
		status = "degraded"
		storeHealth["status"] = "unhealthy"
		storeHealth["message"] = err.Error()
	}

	resp := HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
		Runtime: map[string]interface{}{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": time.Since(h.startTime).Seconds(),
		},
		Services: map[string]interface{}{
			"storage": storeHealth,
		},
	}
	if status != "healthy" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// ReadinessCheck handles GET /api/health/ready. Ready means the store
// answers a ping.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]interface{}{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	render.JSON(w, r, map[string]interface{}{"status": "ready"})
}

// LivenessCheck handles GET /api/health/live.
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}
