// Package api serves the read-only dashboard over HTTP.
//
// The dashboard is strictly pull-based: /api/snapshot aggregates the
// defensive-copy state snapshots of every agent plus the orchestrator's
// health report. There is no mutation surface — operational control goes
// through the bus command channel, never HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the dashboard HTTP endpoint.
type Server struct {
	provider SnapshotProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a dashboard server listening on the given port.
func NewServer(port int, provider SnapshotProvider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails. Run it in its own goroutine;
// http.ErrServerClosed is the clean-shutdown signal, not an error.
func (s *Server) Start() error {
	s.logger.Info("dashboard listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests with a bounded timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.provider.Health()
	status := http.StatusOK
	if !health.Running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"running": health.Running,
		"uptime":  health.Uptime.String(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSnapshot(s.provider))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
