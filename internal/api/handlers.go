package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleIndex returns basic service information
// GET / - Returns service info and available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.sendError(w, "Endpoint not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "gatekeeper",
		"version":     s.version,
		"description": "Token-gated group membership refresh engine",
		"endpoints": map[string]string{
			"GET /":                             "This page - Service information",
			"GET /health":                       "Health check endpoint",
			"GET /metrics":                      "Prometheus metrics for monitoring",
			"POST /communities/{id}/refresh":    "Re-evaluate memberships of a community (supports ?group_id=)",
			"GET /communities/{id}/memberships": "Stored verdicts for one address (requires ?address=)",
			"POST /groups/{id}/reset":           "Drop and recompute every verdict of a group",
		},
	}

	s.sendJSON(w, http.StatusOK, info)
}

// handleHealth returns health status
// GET /health - Health check for monitoring systems
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			slog.Error("Health check failed", "error", err)
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	s.sendJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"service":   "gatekeeper",
	})
}

// handleMetrics returns Prometheus metrics
// GET /metrics - Prometheus scraping endpoint
func (s *Server) handleMetrics() http.Handler {
	return promhttp.Handler()
}

// =============================================================================
// MEMBERSHIP ENDPOINTS
// =============================================================================

// handleRefresh re-evaluates a community's memberships
// POST /communities/{id}/refresh?group_id=42
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, communityID string) {
	groupID, err := parseGroupID(r.URL.Query().Get("group_id"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.service.Refresh(r.Context(), communityID, groupID)
	if err != nil {
		code := statusForError(err)
		if code == http.StatusInternalServerError {
			slog.Error("Refresh failed", "community_id", communityID, "error", err)
		}
		s.sendError(w, err.Error(), code)
		return
	}

	s.sendJSON(w, http.StatusOK, res)
}

// handleMemberships returns the stored verdicts of one address
// GET /communities/{id}/memberships?address=0x...
func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request, communityID string) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		s.sendError(w, "address query parameter required", http.StatusBadRequest)
		return
	}

	views, err := s.service.Memberships(r.Context(), communityID, address)
	if err != nil {
		code := statusForError(err)
		if code == http.StatusInternalServerError {
			slog.Error("Failed to list memberships", "community_id", communityID, "error", err)
		}
		s.sendError(w, err.Error(), code)
		return
	}

	s.sendJSON(w, http.StatusOK, views)
}

// handleResetGroup drops and recomputes the verdicts of a group
// POST /groups/{id}/reset
func (s *Server) handleResetGroup(w http.ResponseWriter, r *http.Request, rawID string) {
	groupID, err := parseGroupID(rawID)
	if err != nil || groupID == nil {
		s.sendError(w, "Valid group ID required", http.StatusBadRequest)
		return
	}

	res, err := s.service.ResetGroup(r.Context(), *groupID)
	if err != nil {
		code := statusForError(err)
		if code == http.StatusInternalServerError {
			slog.Error("Group reset failed", "group_id", *groupID, "error", err)
		}
		s.sendError(w, err.Error(), code)
		return
	}

	s.sendJSON(w, http.StatusOK, res)
}
