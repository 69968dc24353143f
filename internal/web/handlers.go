package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

// maxBodyBytes caps request body reads. Large payloads are still allowed;
// the per-operation record cap is enforced separately.
const maxBodyBytes = 64 << 20

// respondJSON encodes v as JSON with the given status code.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent; nothing left to do but log.
		slog.Error("json encode error", "error", err)
	}
}

// decodeJSON decodes the request body into v, rejecting oversized bodies.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer io.Copy(io.Discard, body)

	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// respondBodyError writes the REQ001 response for body decode failures.
func (s *Server) respondBodyError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn("bad request body", "path", r.URL.Path, "error", err)
	respondErrorJSON(w, UserMessage{
		Message: "The request body could not be parsed",
		Action:  "Check the JSON syntax and field types",
		Code:    "REQ001",
	}, http.StatusBadRequest)
}

// handleHealth reports liveness plus a few cheap engine gauges.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, scheduled := s.engine.QueueDepth()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"queuedItems":    active,
		"scheduledItems": scheduled,
		"activeRuns":     s.engine.ActiveRuns(),
		"streamClients":  s.hub.clientCount(),
	})
}

// parsePriority validates a priority path or body value.
func parsePriority(value string) (engine.Priority, error) {
	switch p := engine.Priority(value); p {
	case engine.PriorityHigh, engine.PriorityNormal, engine.PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s must be an integer", name)
	}
	return n, nil
}

// queryTime parses an optional RFC3339 query parameter.
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parameter %s must be RFC3339", name)
	}
	return t, nil
}

// respondParamError writes the REQ002 response for query parameter errors.
func (s *Server) respondParamError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn("bad request parameter", "path", r.URL.Path, "error", err)
	respondErrorJSON(w, UserMessage{
		Message: err.Error(),
		Action:  "Fix the parameter and retry",
		Code:    "REQ002",
	}, http.StatusBadRequest)
}
