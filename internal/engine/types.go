// Package engine implements the bulk data-operation orchestration engine.
// It accepts large-volume mutation requests (import, export, update, delete),
// schedules them onto priority lanes, executes them in batches with schema
// validation and retry/backoff, and records a queryable audit trail plus
// per-schema quality metrics. The package has no transport dependencies and
// can be driven by any frontend (HTTP API, CLI, tests).
package engine

import "time"

// OperationKind identifies the type of bulk mutation an operation performs.
type OperationKind string

const (
	KindImport OperationKind = "import"
	KindExport OperationKind = "export"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusQueued    OperationStatus = "queued"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal operation is
// immutable; any further mutation is rejected with InvalidStateError.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority selects the queue lane an operation is dispatched from.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Lanes lists all priority lanes in strict dequeue order.
func Lanes() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

// Record is a single data record flowing through an operation's payload.
type Record map[string]any

// Query describes the record set a fetch-style operation (export, update,
// delete by query) works against. Offset and Limit are filled in per batch
// by the executor; Params carries caller-supplied selection criteria opaque
// to the engine.
type Query struct {
	Params map[string]string `json:"params,omitempty"`
	Offset int               `json:"offset"`
	Limit  int               `json:"limit"`
}

// OperationError is one recorded failure on an operation.
// BatchStart is the payload index of the first item in the failing batch,
// or -1 when the error is not batch-scoped.
type OperationError struct {
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Kind       ErrorKind `json:"kind"`
	BatchStart int       `json:"batchStart"`
}

// OperationWarning is one recorded non-fatal issue on an operation.
type OperationWarning struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
}

// OperationConfig is the caller-supplied description of a bulk operation.
type OperationConfig struct {
	Kind OperationKind `json:"kind"`

	// BatchSize is the number of payload items processed per retryable
	// batch. Defaults to the engine's configured default when zero.
	BatchSize int `json:"batchSize"`

	// SchemaID selects the validation schema applied to the payload before
	// any batch runs. Empty means no pre-validation.
	SchemaID string `json:"schemaId,omitempty"`

	// RetryAttempts is how many times a failing batch is retried before its
	// items are counted as failed. Zero means no retries.
	RetryAttempts int `json:"retryAttempts"`

	// RetryDelay is the base wait between retries of the same batch. The
	// executor scales it linearly by attempt number.
	RetryDelay time.Duration `json:"retryDelay"`

	// FailOnValidationError makes any invalid payload record fatal: the
	// operation fails before processing a single batch.
	FailOnValidationError bool `json:"failOnValidationError"`

	// Payload carries the records for import/update/delete operations.
	// Exactly one of Payload or Query drives an operation.
	Payload []Record `json:"payload,omitempty"`

	// Query drives fetch-style operations. TotalItems must be set when
	// Query is used, since the engine cannot count remote records.
	Query *Query `json:"query,omitempty"`

	// TotalItems overrides the payload length as the operation's item
	// count. Required for query-driven operations.
	TotalItems int `json:"totalItems,omitempty"`

	CreatedBy string `json:"createdBy,omitempty"`

	// EstimatedDuration is an optional caller hint surfaced in metadata.
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
}

// Operation is one bulk mutation request tracked through its lifecycle.
// Invariants, maintained by the registry:
//
//	ProcessedItems == SuccessItems + FailedItems
//	ProcessedItems <= TotalItems
//	ProgressPercent == round(ProcessedItems / TotalItems * 100)
//
// Zero-valued StartedAt/EndedAt mean the operation has not reached that
// point yet.
type Operation struct {
	ID     string          `json:"id"`
	Kind   OperationKind   `json:"kind"`
	Status OperationStatus `json:"status"`

	TotalItems      int `json:"totalItems"`
	ProcessedItems  int `json:"processedItems"`
	SuccessItems    int `json:"successItems"`
	FailedItems     int `json:"failedItems"`
	ProgressPercent int `json:"progressPercent"`

	Errors   []OperationError   `json:"errors,omitempty"`
	Warnings []OperationWarning `json:"warnings,omitempty"`

	Config OperationConfig `json:"config"`

	CreatedBy      string        `json:"createdBy,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      time.Time     `json:"startedAt,omitzero"`
	EndedAt        time.Time     `json:"endedAt,omitzero"`
	Duration       time.Duration `json:"duration"`
	ItemsPerSecond float64       `json:"itemsPerSecond"`

	// RetryCount is the current batch's retry counter. It resets at the
	// start of every batch.
	RetryCount int `json:"retryCount"`

	// cancelRequested is the cooperative cancellation flag, observed by the
	// executor at batch boundaries only.
	cancelRequested bool
}

// clone returns a defensive copy with independent error/warning slices.
func (op *Operation) clone() Operation {
	out := *op
	out.Errors = append([]OperationError(nil), op.Errors...)
	out.Warnings = append([]OperationWarning(nil), op.Warnings...)
	if op.Config.Payload != nil {
		out.Config.Payload = append([]Record(nil), op.Config.Payload...)
	}
	return out
}

// itemCount returns the number of items this operation will process.
func (c OperationConfig) itemCount() int {
	if c.TotalItems > 0 {
		return c.TotalItems
	}
	return len(c.Payload)
}

// queryDriven reports whether batches are executed against a Query rather
// than an in-memory payload.
func (c OperationConfig) queryDriven() bool {
	return len(c.Payload) == 0 && c.Query != nil
}

// OperationFilter narrows ListOperations results. Zero-valued fields match
// everything.
type OperationFilter struct {
	Kind      OperationKind
	Status    OperationStatus
	CreatedBy string
}

// EnqueueOptions carries optional enqueue parameters.
type EnqueueOptions struct {
	// ScheduledFor defers execution until the given UTC instant. Zero means
	// immediate eligibility.
	ScheduledFor time.Time
}
