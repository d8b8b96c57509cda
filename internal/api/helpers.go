package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"gatekeeper/internal/models"
	"gatekeeper/internal/orchestrator"
)

// parseGroupID reads an optional positive group id; "" means no filter
func parseGroupID(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid group_id %q", raw)
	}
	return &id, nil
}

// statusForError maps engine errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCommunity), errors.Is(err, orchestrator.ErrUnknownGroup):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON sends a JSON response with the given status code
func (s *Server) sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// sendError sends a JSON error response
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}
