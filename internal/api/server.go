package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"gatekeeper/internal/models"
)

// Service is the membership engine the API exposes
type Service interface {
	Refresh(ctx context.Context, communityID string, groupID *int64) (*models.RefreshResult, error)
	ResetGroup(ctx context.Context, groupID int64) (*models.RefreshResult, error)
	Memberships(ctx context.Context, communityID, address string) ([]models.MembershipView, error)
}

// Pinger reports database health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server
// Provides endpoints for Prometheus metrics, health checks, refresh triggers
// and membership lookups
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	service    Service
	db         Pinger
	port       int
	version    string
}

// NewServer creates a new API server instance
func NewServer(port int, service Service, db Pinger, version string) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", port),
			Handler:     mux,
			ReadTimeout: 15 * time.Second,
			// refreshes of large communities run inside the request
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		mux:     mux,
		service: service,
		db:      db,
		port:    port,
		version: version,
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	// Core endpoints
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.handleMetrics())

	// Membership endpoints
	s.mux.HandleFunc("/communities/", s.handleCommunityRoutes)
	s.mux.HandleFunc("/groups/", s.handleGroupRoutes)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleCommunityRoutes routes community sub-endpoints
func (s *Server) handleCommunityRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/communities/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.sendError(w, "Endpoint not found", http.StatusNotFound)
		return
	}

	switch parts[1] {
	// POST /communities/{id}/refresh
	case "refresh":
		if r.Method != http.MethodPost {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRefresh(w, r, parts[0])

	// GET /communities/{id}/memberships?address=
	case "memberships":
		if r.Method != http.MethodGet {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleMemberships(w, r, parts[0])

	default:
		s.sendError(w, "Endpoint not found", http.StatusNotFound)
	}
}

// handleGroupRoutes routes group sub-endpoints
func (s *Server) handleGroupRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/groups/"), "/")
	parts := strings.Split(path, "/")

	// POST /groups/{id}/reset
	if len(parts) == 2 && parts[1] == "reset" {
		if r.Method != http.MethodPost {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleResetGroup(w, r, parts[0])
		return
	}

	s.sendError(w, "Endpoint not found", http.StatusNotFound)
}

// Start binds the port and serves in a goroutine
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	go func() {
		slog.Info("API server starting",
			"port", s.port,
			"endpoints", []string{"/", "/health", "/metrics", "/communities/{id}/refresh", "/communities/{id}/memberships", "/groups/{id}/reset"},
		)

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the HTTP server
// Waits for active connections to close or context to timeout
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("API server shutting down...")
	return s.httpServer.Shutdown(ctx)
}
