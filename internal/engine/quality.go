package engine

// quality.go maintains running data-quality aggregates per schema. Every
// validation feeds the schema's aggregate; the quality score is a 0-100
// heuristic derived from the accumulated error/warning weight normalized by
// the schema's expected field count.

import "sync"

// QualityMetrics is the cumulative validation aggregate for one schema.
type QualityMetrics struct {
	SchemaID         string  `json:"schemaId"`
	TotalValidations int     `json:"totalValidations"`
	ValidRecords     int     `json:"validRecords"`
	InvalidRecords   int     `json:"invalidRecords"`
	WarningRecords   int     `json:"warningRecords"`
	ErrorCount       int     `json:"errorCount"`
	WarningCount     int     `json:"warningCount"`
	QualityScore     float64 `json:"qualityScore"`
}

// QualityTracker accumulates QualityMetrics per schema. Concurrent writers
// from operations sharing a schema are serialized by a single mutex; reads
// return copies so callers never observe a partially updated aggregate.
type QualityTracker struct {
	mu       sync.Mutex
	bySchema map[string]*QualityMetrics
}

// NewQualityTracker creates an empty tracker.
func NewQualityTracker() *QualityTracker {
	return &QualityTracker{bySchema: make(map[string]*QualityMetrics)}
}

// Record folds one validation result into the schema's aggregate.
// expectedFields is the schema's field count, the denominator of the score
// heuristic.
func (t *QualityTracker) Record(schemaID string, expectedFields int, result ValidationResult) {
	if expectedFields < 1 {
		expectedFields = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.bySchema[schemaID]
	if !ok {
		m = &QualityMetrics{SchemaID: schemaID, QualityScore: 100}
		t.bySchema[schemaID] = m
	}

	m.TotalValidations++
	switch result.Status {
	case ValidationInvalid:
		m.InvalidRecords++
	case ValidationWarnings:
		m.WarningRecords++
	default:
		m.ValidRecords++
	}
	m.ErrorCount += len(result.Errors)
	m.WarningCount += len(result.Warnings)

	// Average issue weight per validated record, capped at one full
	// schema's worth of issues.
	issueWeight := (float64(m.ErrorCount) + float64(m.WarningCount)*0.1) / float64(m.TotalValidations)
	ratio := issueWeight / float64(expectedFields)
	if ratio > 1 {
		ratio = 1
	}
	m.QualityScore = 100 - ratio*100
}

// MetricsFor returns the aggregate for a schema. Schemas that have never
// been validated report a freshly initialized all-100 record.
func (t *QualityTracker) MetricsFor(schemaID string) QualityMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.bySchema[schemaID]; ok {
		return *m
	}
	return QualityMetrics{SchemaID: schemaID, QualityScore: 100}
}

// All returns a snapshot of every tracked aggregate.
func (t *QualityTracker) All() []QualityMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]QualityMetrics, 0, len(t.bySchema))
	for _, m := range t.bySchema {
		out = append(out, *m)
	}
	return out
}
