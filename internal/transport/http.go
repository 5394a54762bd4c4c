// Package transport provides the HTTP and WebSocket API of the harness service.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/chainstress/internal/config"
	"github.com/gateway-fm/chainstress/internal/harness"
	"github.com/gateway-fm/chainstress/internal/storage"
	"github.com/gateway-fm/chainstress/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	readyTimeout        = 10 * time.Second
)

// validateRunRequest checks the request bounds. Suite names are checked by
// the harness against its catalog.
func validateRunRequest(req *types.RunRequest) error {
	if strings.TrimSpace(req.Target) == "" {
		return errors.New("suite is required")
	}
	if req.DurationSec < 0 {
		return fmt.Errorf("durationSec cannot be negative, got %d", req.DurationSec)
	}
	if req.DurationSec > harness.MaxDurationSec {
		return fmt.Errorf("durationSec exceeds maximum of %d seconds", harness.MaxDurationSec)
	}
	if req.Rate < 0 {
		return fmt.Errorf("rate cannot be negative, got %v", req.Rate)
	}
	if req.Rate > harness.MaxRate {
		return fmt.Errorf("rate exceeds maximum of %d ops/s per worker", harness.MaxRate)
	}
	if req.WorkersPerNode < 0 {
		return fmt.Errorf("workersPerNode cannot be negative, got %d", req.WorkersPerNode)
	}
	if req.WorkersPerNode > harness.MaxWorkersPerNode {
		return fmt.Errorf("workersPerNode exceeds maximum of %d", harness.MaxWorkersPerNode)
	}
	return nil
}

// HarnessAPI is the part of the harness the handlers need.
type HarnessAPI interface {
	Status() types.RunStatus
	Suites() []types.SuiteInfo
	Start(req types.RunRequest) (string, error)
	Stop() error

	History(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	RunDetail(ctx context.Context, id string) (*storage.Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// HealthChecker probes the nodes under test.
type HealthChecker interface {
	CheckNodes(ctx context.Context) []harness.NodeHealth
}

// Server handles HTTP requests for the harness.
type Server struct {
	api       HarnessAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool // "*" or empty
}

// NewServer creates a new HTTP server and starts its status stream.
func NewServer(api HarnessAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.corsAllowedOrigins = append(s.corsAllowedOrigins, o)
			}
		}
	}

	return s
}

// Close stops the status stream and disconnects WebSocket clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/suites", s.corsMiddleware(s.handleSuites))
	mux.HandleFunc("/v1/nodes", s.corsMiddleware(s.handleNodes))
	mux.HandleFunc("/v1/run", s.corsMiddleware(s.handleRun))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Kubernetes probes
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response.
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps harness and storage errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case config.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, harness.ErrHistoryDisabled):
		return http.StatusNotFound
	case errors.Is(err, harness.ErrRunInProgress), errors.Is(err, harness.ErrNoActiveRun):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// handleStatus returns the live view of the current or last run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Status())
}

// handleSuites lists the suite catalog.
func (s *Server) handleSuites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Suites())
}

// handleNodes probes every node.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.health == nil {
		s.writeJSON(w, []harness.NodeHealth{})
		return
	}
	s.writeJSON(w, s.health.CheckNodes(r.Context()))
}

// handleRun starts a run in the background.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateRunRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.Start(req)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		}
		s.writeJSONError(w, "Failed to start run: "+err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "started", "runId": id})
}

// handleStop cancels the active run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.api.Stop(); err != nil {
		s.writeJSONError(w, err.Error(), statusFor(err))
		return
	}
	s.writeJSON(w, map[string]string{"status": "stopping"})
}

// handleHistory returns stored runs, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := defaultHistoryLimit, 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxHistoryLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.api.History(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), statusFor(err))
		return
	}
	s.writeJSON(w, result)
}

// handleHistoryDetail handles /v1/history/{id} and /v1/history/{id}/report.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/history/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 && parts[1] == "report" {
		s.handleRunReport(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), statusFor(err))
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})
	case http.MethodGet:
		run, err := s.api.RunDetail(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), statusFor(err))
			return
		}
		s.writeJSON(w, run)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunReport returns the stored text report of a run.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, err := s.api.RunDetail(r.Context(), runID)
	if err != nil {
		s.writeJSONError(w, "Failed to get run: "+err.Error(), statusFor(err))
		return
	}
	if run.ReportText == "" {
		s.writeJSONError(w, "Run has no report", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(run.ReportText))
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady reports ready when every node answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		for _, n := range s.health.CheckNodes(ctx) {
			check := ReadinessCheck{
				Name:      fmt.Sprintf("node-%d", n.NodeID),
				Status:    "ok",
				LatencyMs: n.LatencyMs,
			}
			if n.Status != "ok" {
				check.Status = "failed"
				check.Error = n.Error
				allHealthy = false
			}
			checks = append(checks, check)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
