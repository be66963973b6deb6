package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"marketsim/internal/workers"
	"marketsim/pkg/logger"
)

// Check pings one dependency; nil means healthy
type Check func(ctx context.Context) error

// WorkerSource reports background worker health
type WorkerSource interface {
	Health() []workers.WorkerHealth
}

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	checks      map[string]Check
	required    map[string]bool
	workers     WorkerSource
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(log *logger.Logger, serviceName, version string) *Handler {
	return &Handler{
		log:         log.With("component", "health"),
		checks:      make(map[string]Check),
		required:    make(map[string]bool),
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// AddCheck registers a check. Required checks gate readiness; optional ones
// only degrade /health.
func (h *Handler) AddCheck(name string, required bool, check Check) *Handler {
	h.checks[name] = check
	h.required[name] = required
	return h
}

// WithWorkers attaches worker health to the detailed report
func (h *Handler) WithWorkers(src WorkerSource) *Handler {
	h.workers = src
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
	Workers   []workers.WorkerHealth     `json:"workers,omitempty"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 while the process serves requests
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness returns 503 when any required check fails
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := h.runChecks(ctx)
	status := h.status(checks)

	statusCode := http.StatusOK
	for name, c := range checks {
		if h.required[name] && c.Status != "healthy" {
			status.Status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
		}
	}
	if statusCode != http.StatusOK {
		h.log.Warnw("Readiness check failed", "checks", checks)
	}

	writeJSON(w, statusCode, status)
}

// HandleHealth returns every check plus worker statistics. Partial failure is
// reported as degraded with 200.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := h.runChecks(ctx)
	status := h.status(checks)
	if h.workers != nil {
		status.Workers = h.workers.Health()
	}

	healthy := 0
	for _, c := range checks {
		if c.Status == "healthy" {
			healthy++
		}
	}

	statusCode := http.StatusOK
	switch {
	case len(checks) > 0 && healthy == 0:
		status.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case healthy < len(checks):
		status.Status = "degraded"
	}

	writeJSON(w, statusCode, status)
}

func (h *Handler) status(checks map[string]ComponentHealth) HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}
}

func (h *Handler) runChecks(ctx context.Context) map[string]ComponentHealth {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ComponentHealth, len(names))
	for _, name := range names {
		start := time.Now()
		err := h.checks[name](ctx)
		elapsed := time.Since(start)

		if err != nil {
			h.log.Warnw("Health check failed", "check", name, "error", err, "elapsed", elapsed)
			out[name] = ComponentHealth{Status: "unhealthy", ResponseTime: elapsed.String(), Error: err.Error()}
			continue
		}
		out[name] = ComponentHealth{Status: "healthy", ResponseTime: elapsed.String()}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
