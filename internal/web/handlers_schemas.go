package web

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

// fieldRuleRequest is the wire shape of one declarative field rule.
// Custom predicates are code-only and cannot be registered over the API.
type fieldRuleRequest struct {
	Type    string   `json:"type,omitempty"`
	Format  string   `json:"format,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Enum    []string `json:"enum,omitempty"`
	MinLen  *int     `json:"minLen,omitempty"`
	MaxLen  *int     `json:"maxLen,omitempty"`
}

// schemaRequest is the wire shape for POST /api/schemas.
type schemaRequest struct {
	ID       string                      `json:"id"`
	Required []string                    `json:"required"`
	Fields   map[string]fieldRuleRequest `json:"fields"`
}

var validFieldTypes = map[string]bool{
	"": true,
	string(engine.TypeString): true,
	string(engine.TypeNumber): true,
	string(engine.TypeBool):   true,
	string(engine.TypeDate):   true,
}

var validFormats = map[string]bool{
	"": true, "email": true, "url": true, "phone": true,
	"uuid": true, "date": true, "time": true, "datetime": true,
}

// toSchema converts the wire shape to an engine schema, rejecting unknown
// types, unknown formats and patterns that do not compile.
func (req *schemaRequest) toSchema() (engine.Schema, error) {
	if req.ID == "" {
		return engine.Schema{}, fmt.Errorf("schema rejected: id is required")
	}

	schema := engine.Schema{
		ID:       req.ID,
		Required: req.Required,
	}
	if len(req.Fields) > 0 {
		schema.Fields = make(map[string]engine.FieldRule, len(req.Fields))
	}
	for name, rule := range req.Fields {
		if !validFieldTypes[rule.Type] {
			return engine.Schema{}, fmt.Errorf("schema rejected: field %q has unknown type %q", name, rule.Type)
		}
		if !validFormats[rule.Format] {
			return engine.Schema{}, fmt.Errorf("schema rejected: field %q has unknown format %q", name, rule.Format)
		}
		if rule.Pattern != "" {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return engine.Schema{}, fmt.Errorf("schema rejected: field %q pattern does not compile: %w", name, err)
			}
		}
		schema.Fields[name] = engine.FieldRule{
			Type:    engine.FieldType(rule.Type),
			Format:  rule.Format,
			Pattern: rule.Pattern,
			Min:     rule.Min,
			Max:     rule.Max,
			Enum:    rule.Enum,
			MinLen:  rule.MinLen,
			MaxLen:  rule.MaxLen,
		}
	}
	return schema, nil
}

func (s *Server) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondBodyError(w, r, err)
		return
	}

	schema, err := req.toSchema()
	if err != nil {
		respondErrorJSON(w, UserMessage{
			Message: err.Error(),
			Action:  "Fix the schema definition and retry",
			Code:    "SCH002",
		}, http.StatusBadRequest)
		return
	}

	if err := s.engine.RegisterSchema(schema.ID, schema); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":             schema.ID,
		"requiredFields": len(schema.Required),
		"fieldRules":     len(schema.Fields),
	})
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.SchemaIDs()
	respondJSON(w, http.StatusOK, map[string]any{
		"schemas": ids,
		"count":   len(ids),
	})
}

// validateRequest is the wire shape for POST /api/schemas/{id}/validate.
type validateRequest struct {
	Records []engine.Record `json:"records"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	schemaID := chi.URLParam(r, "schemaID")

	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondBodyError(w, r, err)
		return
	}

	results, err := s.engine.ValidateMany(schemaID, req.Records)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	var valid, invalid, warnings int
	for _, res := range results {
		switch res.Status {
		case engine.ValidationValid:
			valid++
		case engine.ValidationInvalid:
			invalid++
		case engine.ValidationWarnings:
			warnings++
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"schemaId": schemaID,
		"results":  results,
		"summary": map[string]int{
			"valid":    valid,
			"invalid":  invalid,
			"warnings": warnings,
		},
	})
}

func (s *Server) handleAllMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := s.engine.AllMetrics()
	respondJSON(w, http.StatusOK, map[string]any{
		"metrics": metrics,
		"count":   len(metrics),
	})
}

func (s *Server) handleSchemaMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.MetricsFor(chi.URLParam(r, "schemaID")))
}
