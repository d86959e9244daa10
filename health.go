package centralmutex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthCheck is a function that checks if a component is healthy.
type HealthCheck func(ctx context.Context) error

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Health serves liveness, readiness and status endpoints for a simulation.
type Health struct {
	sim    *Simulation
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck
	server *http.Server
}

// NewHealth creates a health manager with the coordinator check registered.
func NewHealth(sim *Simulation) *Health {
	h := &Health{
		sim:    sim,
		logger: sim.logger.With("component", "health"),
		checks: make(map[string]HealthCheck),
	}
	h.Register("coordinator", h.checkCoordinator)
	return h
}

// Register adds a health check.
func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Unregister removes a health check.
func (h *Health) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// Start serves the endpoints on addr until ctx is done.
func (h *Health) Start(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Warn("health server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Handler returns the HTTP handler serving /health, /ready and /status.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/status", h.handleStatus)
	return mux
}

// Stop stops the health server.
func (h *Health) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.server.Shutdown(ctx)
}

// Check runs all health checks and returns the overall status.
func (h *Health) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	allPassing := true
	for _, name := range names {
		h.mu.RLock()
		check, ok := h.checks[name]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		result := executeCheck(ctx, check)
		results[name] = result
		if result.Status != "passing" {
			allPassing = false
		}
	}

	status := "passing"
	if !allPassing {
		status = "failing"
	}
	return HealthStatus{Status: status, Checks: results, Timestamp: time.Now()}
}

func executeCheck(ctx context.Context, check HealthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := check(checkCtx)
	result := CheckResult{
		Status:    "passing",
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Status = "failing"
		result.Error = err.Error()
	}
	return result
}

func (h *Health) checkCoordinator(ctx context.Context) error {
	if _, ok := h.sim.Registry().CurrentCoordinator(); !ok {
		return fmt.Errorf("no coordinator among %d processes", h.sim.Registry().Len())
	}
	return nil
}

// handleHealth handles the /health endpoint (liveness).
func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles the /ready endpoint (readiness).
func (h *Health) handleReady(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())
	code := http.StatusOK
	if status.Status != "passing" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleStatus handles the /status endpoint (detailed status).
func (h *Health) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Health HealthStatus `json:"health"`
		Status Status       `json:"status"`
	}{
		Health: h.Check(r.Context()),
		Status: h.sim.Status(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
