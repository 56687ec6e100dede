// Package admin serves the operator endpoints: Prometheus metrics and a JSON
// health check for load balancers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/whisper/linechat/internal/metrics"
)

// Stats reports live counts for the health endpoint. Roster lists the
// usernames online across every server instance; it is nil without presence.
type Stats struct {
	Peers       func() int
	Connections func() int
	Roster      func(ctx context.Context) ([]string, error)
}

// Server serves /metrics, /health and /roster.
type Server struct {
	addr      string
	stats     Stats
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates an admin server for addr.
func NewServer(addr string, stats Stats, logger *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		stats:     stats,
		logger:    logger.With("component", "admin"),
		startedAt: time.Now(),
	}
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/roster", s.handleRoster)
	return mux
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: http server error: %w", err)
	}
	return nil
}

// handleHealth responds with the server's health status as JSON, including the
// current peer and connection counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Peers       int    `json:"peers"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.stats.Peers != nil {
		resp.Peers = s.stats.Peers()
	}
	if s.stats.Connections != nil {
		resp.Connections = s.stats.Connections()
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRoster lists the online usernames as JSON. It answers 503 when
// presence is not configured or the presence store fails.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	if s.stats.Roster == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence disabled"})
		return
	}
	users, err := s.stats.Roster(r.Context())
	if err != nil {
		s.logger.Warn("roster lookup failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "presence unavailable"})
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
