package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkops/internal/engine"
	"github.com/JonMunkholm/bulkops/internal/logging"
)

// createOperationRequest is the wire shape for POST /api/operations.
// RetryDelayMs is milliseconds; Priority, when set, enqueues the operation
// in the same request.
type createOperationRequest struct {
	Kind                  string          `json:"kind"`
	BatchSize             int             `json:"batchSize"`
	SchemaID              string          `json:"schemaId"`
	RetryAttempts         int             `json:"retryAttempts"`
	RetryDelayMs          int             `json:"retryDelayMs"`
	FailOnValidationError bool            `json:"failOnValidationError"`
	Payload               []engine.Record `json:"payload"`
	Query                 *engine.Query   `json:"query"`
	TotalItems            int             `json:"totalItems"`
	CreatedBy             string          `json:"createdBy"`

	Priority     string `json:"priority,omitempty"`
	ScheduledFor string `json:"scheduledFor,omitempty"`
}

func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondBodyError(w, r, err)
		return
	}

	if limit := s.cfg.Engine.MaxPayloadItems; limit > 0 && len(req.Payload) > limit {
		err := fmt.Errorf("payload exceeds the %d record limit", limit)
		s.respondError(w, r, err, http.StatusRequestEntityTooLarge)
		return
	}

	cfg := engine.OperationConfig{
		Kind:                  engine.OperationKind(req.Kind),
		BatchSize:             req.BatchSize,
		SchemaID:              req.SchemaID,
		RetryAttempts:         req.RetryAttempts,
		RetryDelay:            time.Duration(req.RetryDelayMs) * time.Millisecond,
		FailOnValidationError: req.FailOnValidationError,
		Payload:               req.Payload,
		Query:                 req.Query,
		TotalItems:            req.TotalItems,
		CreatedBy:             req.CreatedBy,
	}

	op, err := s.engine.CreateOperation(cfg)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	logger := logging.WithFields(r.Context(), "operation_id", op.ID, "kind", req.Kind)
	logger.Info("operation created", "total_items", op.TotalItems)

	if req.Priority != "" {
		priority, err := parsePriority(req.Priority)
		if err != nil {
			s.respondParamError(w, r, err)
			return
		}
		opts, err := parseSchedule(req.ScheduledFor)
		if err != nil {
			s.respondParamError(w, r, err)
			return
		}
		if _, err := s.engine.Enqueue(op.ID, priority, opts); err != nil {
			s.respondEngineError(w, r, err)
			return
		}
		op, _ = s.engine.GetOperation(op.ID)
	}

	respondJSON(w, http.StatusCreated, op)
}

// enqueueRequest is the wire shape for POST /api/operations/{id}/enqueue.
type enqueueRequest struct {
	Priority     string `json:"priority"`
	ScheduledFor string `json:"scheduledFor,omitempty"`
}

func (s *Server) handleEnqueueOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")

	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondBodyError(w, r, err)
		return
	}
	if req.Priority == "" {
		req.Priority = string(engine.PriorityNormal)
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	opts, err := parseSchedule(req.ScheduledFor)
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}

	item, err := s.engine.Enqueue(operationID, priority, opts)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")

	if err := s.engine.Cancel(operationID); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	op, err := s.engine.GetOperation(operationID)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.GetOperation(chi.URLParam(r, "operationID"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	filter := engine.OperationFilter{
		Kind:      engine.OperationKind(r.URL.Query().Get("kind")),
		Status:    engine.OperationStatus(r.URL.Query().Get("status")),
		CreatedBy: r.URL.Query().Get("createdBy"),
	}
	ops := s.engine.ListOperations(filter)
	respondJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	if _, err := s.engine.GetOperation(operationID); err != nil {
		// The timeline can outlive the registry entry; only 404 when
		// neither the registry nor the ledger knows the operation.
		if len(s.engine.Timeline(operationID)) == 0 {
			s.respondEngineError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"operationId": operationID,
		"events":      s.engine.Timeline(operationID),
	})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		s.respondParamError(w, r, err)
		return
	}

	filter := engine.AuditFilter{From: from, To: to, Limit: limit}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, engine.EventType(t))
			}
		}
	}

	events := s.engine.AuditLogs(operationID, filter)
	respondJSON(w, http.StatusOK, map[string]any{
		"operationId": operationID,
		"events":      events,
		"count":       len(events),
	})
}

// parseSchedule converts an optional RFC3339 string into enqueue options.
func parseSchedule(raw string) (engine.EnqueueOptions, error) {
	if raw == "" {
		return engine.EnqueueOptions{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return engine.EnqueueOptions{}, fmt.Errorf("scheduledFor must be RFC3339")
	}
	return engine.EnqueueOptions{ScheduledFor: t}, nil
}
