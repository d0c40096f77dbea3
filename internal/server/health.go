// Package server exposes the chat service over HTTP, with health checks and
// graceful shutdown.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck represents a single health check.
type HealthCheck struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	// Critical marks a check whose failure makes /health return 503 even
	// when it only reports degraded.
	Critical bool `json:"critical,omitempty"`
}

// HealthResponse is the response from health endpoints.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// Available reports whether the service can handle traffic: nothing is
// unhealthy and every critical check is healthy.
func (r HealthResponse) Available() bool {
	if r.Status == HealthStatusUnhealthy {
		return false
	}
	for _, c := range r.Checks {
		if c.Critical && c.Status != HealthStatusHealthy {
			return false
		}
	}
	return true
}

// HealthChecker is a function that performs a health check.
type HealthChecker func(ctx context.Context) HealthCheck

// HealthServer serves /health, /ready and /live and their Kubernetes aliases.
type HealthServer struct {
	mu      sync.RWMutex
	checks  map[string]HealthChecker
	version string
	timeout time.Duration
	ready   bool
	live    bool
}

// HealthConfig configures the health endpoints.
type HealthConfig struct {
	Version string
	// Timeout bounds one full /health run (default 5s).
	Timeout time.Duration
}

// NewHealthServer creates a health server that is live but not yet ready.
func NewHealthServer(config *HealthConfig) *HealthServer {
	s := &HealthServer{
		checks:  make(map[string]HealthChecker),
		timeout: 5 * time.Second,
		live:    true,
	}
	if config != nil {
		s.version = config.Version
		if config.Timeout > 0 {
			s.timeout = config.Timeout
		}
	}
	return s
}

// RegisterCheck adds a health check.
func (s *HealthServer) RegisterCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = checker
}

// SetReady marks the server as ready to accept traffic.
func (s *HealthServer) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// SetLive marks the server as live (or not).
func (s *HealthServer) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
}

// Register adds the health routes to mux.
func (s *HealthServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)
	mux.HandleFunc("GET /healthz", s.handleHealth) // Kubernetes alias
	mux.HandleFunc("GET /readyz", s.handleReady)   // Kubernetes alias
	mux.HandleFunc("GET /livez", s.handleLive)     // Kubernetes alias
}

// Handler returns an http.Handler serving only the health routes.
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Check runs every registered check, in name order, and aggregates them.
// Any unhealthy check makes the whole response unhealthy.
func (s *HealthServer) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthChecker, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	version := s.version
	s.mu.RUnlock()
	sort.Strings(names)

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Checks:    make([]HealthCheck, 0, len(names)),
	}
	for _, name := range names {
		check := checks[name](ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if check.Status == HealthStatusDegraded && response.Status == HealthStatusHealthy {
			response.Status = HealthStatusDegraded
		}
	}
	return response
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := s.Check(r.Context())
	statusCode := http.StatusOK
	if !response.Available() {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (s *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	probe(w, ready)
}

func (s *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	live := s.live
	s.mu.RUnlock()
	probe(w, live)
}

func probe(w http.ResponseWriter, ok bool) {
	response := HealthResponse{Status: HealthStatusHealthy, Timestamp: time.Now().UTC()}
	if !ok {
		response.Status = HealthStatusUnhealthy
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Common health checkers

// MemoryStoreHealthChecker checks the conversation store. keys may be nil;
// otherwise its count is reported. An unreachable store is a critical
// degradation: chat still answers but cannot persist history.
func MemoryStoreHealthChecker(backend string, ping func(ctx context.Context) error, keys func(ctx context.Context) (int64, error)) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]any{"backend": backend}
		if err := ping(ctx); err != nil {
			return HealthCheck{
				Status:   HealthStatusDegraded,
				Message:  "memory store unreachable: " + err.Error(),
				Details:  details,
				Critical: true,
			}
		}
		if keys != nil {
			if n, err := keys(ctx); err == nil {
				details["keys"] = n
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "memory store OK", Details: details}
	}
}

// VectorStoreHealthChecker checks the chunk store. An unreachable store is a
// critical degradation: answers fall back to ungrounded.
func VectorStoreHealthChecker(backend string, ping func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]any{"backend": backend}
		if err := ping(ctx); err != nil {
			return HealthCheck{
				Status:   HealthStatusDegraded,
				Message:  "vector store unreachable: " + err.Error(),
				Details:  details,
				Critical: true,
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "vector store OK", Details: details}
	}
}

// LLMHealthChecker creates a health check for LLM provider availability.
// An unreachable provider degrades the service rather than failing it.
func LLMHealthChecker(providerName string, checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]any{"provider": providerName}
		if checkFn == nil {
			return HealthCheck{
				Status:  HealthStatusHealthy,
				Message: "LLM provider configured: " + providerName,
				Details: details,
			}
		}
		if err := checkFn(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: "LLM provider degraded: " + err.Error(),
				Details: details,
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "LLM provider OK", Details: details}
	}
}

// AppHealthChecker reports static application settings.
func AppHealthChecker(systemPrompt string) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Details: map[string]any{"system_prompt_len": len(systemPrompt)},
		}
	}
}
