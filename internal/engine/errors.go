package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a recorded operation error.
type ErrorKind string

const (
	ErrKindPreValidation    ErrorKind = "pre_validation"
	ErrKindBatchExecution   ErrorKind = "batch_execution"
	ErrKindUnhandled        ErrorKind = "unhandled"
	ErrKindCustomValidation ErrorKind = "custom_validation"
)

// Sentinel lookup errors surfaced synchronously to callers.
var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrSchemaNotFound    = errors.New("schema not found")
	ErrNotQueued         = errors.New("operation is not queued")
)

// InvalidStateError reports an illegal state-machine transition, such as
// cancelling an operation that already reached a terminal status.
type InvalidStateError struct {
	OperationID string
	From        OperationStatus
	To          OperationStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("operation %s: invalid transition %s -> %s", e.OperationID, e.From, e.To)
}

// PreValidationError is fatal: the payload failed schema checks and the
// operation is configured to fail on validation errors. No batches run.
type PreValidationError struct {
	SchemaID       string
	InvalidRecords int
	FirstIssue     Issue
}

func (e *PreValidationError) Error() string {
	return fmt.Sprintf("pre-validation against schema %q failed: %d invalid record(s), first: %s",
		e.SchemaID, e.InvalidRecords, e.FirstIssue.Message)
}

// BatchExecutionError records a batch that exhausted its retry budget.
// It is non-fatal: the batch's items are counted as failed and the
// operation continues with the next batch.
type BatchExecutionError struct {
	BatchStart int
	Attempts   int
	Err        error
}

func (e *BatchExecutionError) Error() string {
	return fmt.Sprintf("batch at index %d failed after %d attempt(s): %v", e.BatchStart, e.Attempts, e.Err)
}

func (e *BatchExecutionError) Unwrap() error { return e.Err }
