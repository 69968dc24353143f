package engine

// executor.go drives a dequeued operation through pre-validation, batch
// processing, retry/backoff and final status resolution.
//
// Failure handling follows partial-failure semantics: once pre-validation
// has passed, a batch that exhausts its retry budget is recorded and
// counted as failed items, and the operation continues with the next batch.
// Only pre-validation failures (when configured fatal) and errors escaping
// the retry-wrapped loop fail the whole operation. Cancellation is
// cooperative and observed between batches only, never mid-call.

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Executor pulls eligible operations from the queue and runs them.
type Executor struct {
	registry   *OperationRegistry
	queue      *PriorityQueue
	validation *ValidationEngine
	quality    *QualityTracker
	ledger     *HistoryLedger
	events     *EventBus
	source     DataSource
	clock      Clock
}

// NewExecutor wires an executor to its collaborators.
func NewExecutor(
	registry *OperationRegistry,
	queue *PriorityQueue,
	validation *ValidationEngine,
	quality *QualityTracker,
	ledger *HistoryLedger,
	events *EventBus,
	source DataSource,
	clock Clock,
) *Executor {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Executor{
		registry:   registry,
		queue:      queue,
		validation: validation,
		quality:    quality,
		ledger:     ledger,
		events:     events,
		source:     source,
		clock:      clock,
	}
}

// RunNext dequeues the next eligible operation and runs it to a terminal
// status. Returns false when the queue has nothing eligible.
func (e *Executor) RunNext(ctx context.Context) bool {
	item, ok := e.queue.DequeueNext()
	if !ok {
		return false
	}
	e.run(ctx, item.OperationID)
	return true
}

// run executes one operation. Every exit path leaves the operation in a
// terminal status with a recorded history summary.
func (e *Executor) run(ctx context.Context, id string) {
	logger := slog.Default().With("operation_id", id)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor panicked", "panic", fmt.Sprint(r))
			e.registry.AddError(id, OperationError{
				Timestamp:  e.clock.Now(),
				Message:    fmt.Sprintf("unhandled executor error: %v", r),
				Kind:       ErrKindUnhandled,
				BatchStart: -1,
			})
			e.finalize(id, StatusFailed, EventOperationFailed)
		}
	}()

	if err := e.registry.Transition(id, StatusRunning); err != nil {
		// Cancelled while queued, or vanished; nothing to run.
		logger.Debug("skipping dequeued operation", "error", err)
		return
	}

	op, err := e.registry.Get(id)
	if err != nil {
		logger.Error("dequeued operation not found", "error", err)
		return
	}
	cfg := op.Config

	e.events.Publish(EventOperationStarted, id, map[string]any{
		"kind":       string(op.Kind),
		"totalItems": cfg.itemCount(),
	})
	logger.Info("operation started", "kind", string(op.Kind), "total_items", cfg.itemCount())

	if !e.preValidate(id, cfg) {
		return
	}

	total := cfg.itemCount()
	e.registry.SetTotal(id, total)

	started := e.clock.Now()
	processed := 0

	for offset := 0; offset < total; offset += cfg.BatchSize {
		// Cooperative cancellation, checked at batch boundaries only.
		if e.registry.CancelRequested(id) {
			logger.Info("operation cancelled", "processed_items", processed)
			e.finalize(id, StatusCancelled, EventOperationCancelled)
			return
		}

		size := cfg.BatchSize
		if offset+size > total {
			size = total - offset
		}

		if !e.runBatch(ctx, id, cfg, offset, size, started, &processed) {
			// Context gone mid-backoff: reach a terminal state anyway.
			logger.Warn("operation interrupted by shutdown", "processed_items", processed)
			e.finalize(id, StatusCancelled, EventOperationCancelled)
			return
		}
	}

	logger.Info("operation completed", "processed_items", processed)
	e.finalize(id, StatusCompleted, EventOperationCompleted)
}

// preValidate runs the payload through the attached schema. Returns false
// when the operation was finalized by a fatal validation failure.
func (e *Executor) preValidate(id string, cfg OperationConfig) bool {
	if cfg.SchemaID == "" || len(cfg.Payload) == 0 {
		return true
	}

	schema, err := e.validation.SchemaFor(cfg.SchemaID)
	if err != nil {
		e.registry.AddError(id, OperationError{
			Timestamp:  e.clock.Now(),
			Message:    err.Error(),
			Kind:       ErrKindPreValidation,
			BatchStart: -1,
		})
		e.finalize(id, StatusFailed, EventOperationFailed)
		return false
	}

	results := e.validation.ValidateBatch(schema, cfg.Payload)
	invalid := 0
	var firstIssue Issue
	for i, res := range results {
		e.quality.Record(cfg.SchemaID, schema.expectedFieldCount(), res)
		if res.Status == ValidationInvalid {
			if invalid == 0 {
				firstIssue = res.Errors[0]
			}
			invalid++
			if !cfg.FailOnValidationError {
				e.registry.AddWarning(id, OperationWarning{
					Timestamp: e.clock.Now(),
					Message:   fmt.Sprintf("record %d failed validation: %s", i, res.Errors[0].Message),
					Field:     res.Errors[0].Field,
				})
			}
		}
		for _, warn := range res.Warnings {
			e.registry.AddWarning(id, OperationWarning{
				Timestamp: e.clock.Now(),
				Message:   fmt.Sprintf("record %d: %s", i, warn.Message),
				Field:     warn.Field,
			})
		}
	}

	e.events.Publish(EventMetricsUpdated, id, map[string]any{
		"schemaId": cfg.SchemaID,
		"metrics":  e.quality.MetricsFor(cfg.SchemaID),
	})

	if invalid > 0 && cfg.FailOnValidationError {
		preErr := &PreValidationError{
			SchemaID:       cfg.SchemaID,
			InvalidRecords: invalid,
			FirstIssue:     firstIssue,
		}
		e.registry.AddError(id, OperationError{
			Timestamp:  e.clock.Now(),
			Message:    preErr.Error(),
			Kind:       ErrKindPreValidation,
			BatchStart: -1,
		})
		e.finalize(id, StatusFailed, EventOperationFailed)
		return false
	}
	return true
}

// runBatch processes one chunk with retry/backoff. Returns false only when
// the context died during backoff; batch-level failures are absorbed per
// partial-failure semantics.
func (e *Executor) runBatch(ctx context.Context, id string, cfg OperationConfig, offset, size int, started time.Time, processed *int) bool {
	e.registry.SetRetryCount(id, 0)
	e.events.Publish(EventBatchStarted, id, map[string]any{
		"batchStart": offset,
		"batchSize":  size,
	})

	var lastErr error
	var lastResult BatchResult
	for attempt := 0; ; attempt++ {
		result, err := e.callSource(ctx, cfg, offset, size)
		if err == nil {
			success, failed := result.SuccessCount, result.FailureCount
			if success == 0 && failed == 0 {
				// Collaborator reported nothing; assume the whole chunk
				// succeeded so progress can close.
				success = size
			}
			*processed += success + failed
			e.registry.RecordBatch(id, success, failed, e.itemsPerSecond(*processed, started))
			e.publishBatchDone(id, offset, size)
			return true
		}
		lastErr = err
		lastResult = result

		if attempt >= cfg.RetryAttempts {
			break
		}
		e.registry.SetRetryCount(id, attempt+1)
		delay := cfg.RetryDelay * time.Duration(attempt+1)
		if sleepErr := e.clock.Sleep(ctx, delay); sleepErr != nil {
			return false
		}
		e.events.Publish(EventRetryAttempted, id, map[string]any{
			"batchStart": offset,
			"attempt":    attempt + 1,
			"delayMs":    delay.Milliseconds(),
			"error":      lastErr.Error(),
		})
	}

	// Retry budget exhausted: record the failure and keep going. A source
	// reporting partial counts alongside its error keeps them; otherwise
	// the whole chunk is counted as failed.
	batchErr := &BatchExecutionError{
		BatchStart: offset,
		Attempts:   cfg.RetryAttempts + 1,
		Err:        lastErr,
	}
	e.registry.AddError(id, OperationError{
		Timestamp:  e.clock.Now(),
		Message:    batchErr.Error(),
		Kind:       ErrKindBatchExecution,
		BatchStart: offset,
	})
	success, failed := lastResult.SuccessCount, lastResult.FailureCount
	if success+failed == 0 {
		failed = size
	}
	*processed += success + failed
	e.registry.RecordBatch(id, success, failed, e.itemsPerSecond(*processed, started))
	e.events.Publish(EventErrorOccurred, id, map[string]any{
		"batchStart": offset,
		"error":      batchErr.Error(),
	})
	e.publishProgress(id)
	return true
}

// callSource dispatches one batch to the injected data-access collaborator.
func (e *Executor) callSource(ctx context.Context, cfg OperationConfig, offset, size int) (BatchResult, error) {
	if cfg.queryDriven() {
		query := *cfg.Query
		query.Offset = offset
		query.Limit = size
		switch cfg.Kind {
		case KindExport:
			return e.source.FetchForExport(ctx, query)
		case KindUpdate:
			return e.source.FetchForUpdate(ctx, query)
		case KindDelete:
			return e.source.FetchForDelete(ctx, query)
		default:
			return BatchResult{}, fmt.Errorf("operation kind %q cannot be query-driven", cfg.Kind)
		}
	}

	end := offset + size
	if end > len(cfg.Payload) {
		end = len(cfg.Payload)
	}
	chunk := cfg.Payload[offset:end]
	switch cfg.Kind {
	case KindImport:
		return e.source.ApplyImportBatch(ctx, chunk)
	case KindUpdate:
		return e.source.ApplyUpdateBatch(ctx, chunk)
	case KindDelete:
		return e.source.ApplyDeleteBatch(ctx, chunk)
	case KindExport:
		return e.source.FetchForExport(ctx, Query{Offset: offset, Limit: size})
	default:
		return BatchResult{}, fmt.Errorf("unknown operation kind %q", cfg.Kind)
	}
}

// publishBatchDone emits batch_completed followed by a progress event.
func (e *Executor) publishBatchDone(id string, offset, size int) {
	e.events.Publish(EventBatchCompleted, id, map[string]any{
		"batchStart": offset,
		"batchSize":  size,
	})
	e.publishProgress(id)
}

// publishProgress emits an operation_progress event from the current
// registry snapshot.
func (e *Executor) publishProgress(id string) {
	op, err := e.registry.Get(id)
	if err != nil {
		return
	}
	e.events.Publish(EventOperationProgress, id, map[string]any{
		"processedItems":  op.ProcessedItems,
		"successItems":    op.SuccessItems,
		"failedItems":     op.FailedItems,
		"totalItems":      op.TotalItems,
		"progressPercent": op.ProgressPercent,
		"itemsPerSecond":  op.ItemsPerSecond,
	})
}

// finalize transitions the operation to a terminal status, publishes the
// terminal event and hands the final snapshot to the history ledger.
func (e *Executor) finalize(id string, status OperationStatus, eventType EventType) {
	if err := e.registry.Transition(id, status); err != nil {
		slog.Warn("finalize transition rejected", "operation_id", id, "status", string(status), "error", err)
	}
	op, err := e.registry.Get(id)
	if err != nil {
		return
	}
	e.events.Publish(eventType, id, map[string]any{
		"status":          string(op.Status),
		"processedItems":  op.ProcessedItems,
		"successItems":    op.SuccessItems,
		"failedItems":     op.FailedItems,
		"errorCount":      len(op.Errors),
		"warningCount":    len(op.Warnings),
		"durationMs":      op.Duration.Milliseconds(),
		"progressPercent": op.ProgressPercent,
	})
	e.ledger.RecordCompletion(op)
}

// itemsPerSecond computes the running throughput since the operation
// started.
func (e *Executor) itemsPerSecond(processed int, started time.Time) float64 {
	elapsed := e.clock.Now().Sub(started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed
}
