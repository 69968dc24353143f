package engine

// engine.go is the facade consumers drive. It owns the component wiring
// (registry, queue, validation, quality, ledger, event bus, executor), the
// bounded worker pool and the scheduled-item promotion loop. Frontends
// (HTTP, CLI, tests) only ever talk to Engine.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBatchSize applies when an operation config leaves BatchSize unset.
const DefaultBatchSize = 100

// DefaultPromoteInterval is how often the scheduler checks for due
// scheduled operations.
const DefaultPromoteInterval = time.Second

// Options configures a new Engine. Zero values fall back to defaults.
type Options struct {
	// MaxConcurrent bounds the number of operations running at once.
	MaxConcurrent int

	// MaxAuditEvents bounds the in-memory audit buffer.
	MaxAuditEvents int

	// DefaultBatchSize applies to operations created without one.
	DefaultBatchSize int

	// PromoteInterval is the scheduled-set polling cadence.
	PromoteInterval time.Duration

	// Source performs the actual record mutations and fetches. Required.
	Source DataSource

	// Sink durably stores history entries and audit events. Optional.
	Sink Sink

	// Clock supplies time and retry sleeps. Defaults to the system clock.
	Clock Clock
}

// Engine is the orchestration facade over all engine components.
type Engine struct {
	registry   *OperationRegistry
	queue      *PriorityQueue
	validation *ValidationEngine
	quality    *QualityTracker
	ledger     *HistoryLedger
	events     *EventBus
	executor   *Executor
	limiter    *RunLimiter
	clock      Clock

	defaultBatchSize int
	promoteInterval  time.Duration

	// wake nudges idle workers when new work becomes eligible.
	wake chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles an engine from its options. Start must be called before
// queued operations execute.
func New(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("engine: Options.Source is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	batchSize := opts.DefaultBatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	promote := opts.PromoteInterval
	if promote <= 0 {
		promote = DefaultPromoteInterval
	}

	registry := NewOperationRegistry(clock)
	queue := NewPriorityQueue(clock)
	validation := NewValidationEngine()
	quality := NewQualityTracker()
	ledger := NewHistoryLedger(opts.MaxAuditEvents, opts.Sink)
	events := NewEventBus(clock)

	e := &Engine{
		registry:         registry,
		queue:            queue,
		validation:       validation,
		quality:          quality,
		ledger:           ledger,
		events:           events,
		executor:         NewExecutor(registry, queue, validation, quality, ledger, events, opts.Source, clock),
		limiter:          NewRunLimiter(opts.MaxConcurrent),
		clock:            clock,
		defaultBatchSize: batchSize,
		promoteInterval:  promote,
		wake:             make(chan struct{}, 1),
	}

	// Every published event lands in the audit trail.
	events.Subscribe(ledger.LogEvent)

	return e, nil
}

// Start launches the worker pool and the scheduled-item promotion loop.
// Calling Start twice is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine: already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	workers := cap(e.limiter.semaphore)
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(runCtx)
	}
	e.wg.Add(1)
	go e.promoteLoop(runCtx)

	slog.Info("engine started", "workers", workers, "promote_interval", e.promoteInterval.String())
	return nil
}

// Close stops the workers and waits for in-flight operations to drain or
// ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.limiter.WaitForDrain(ctx)
}

// worker loops picking up eligible operations until ctx is cancelled.
// One worker drives one operation at a time; batches within an operation
// stay strictly sequential.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			if !e.limiter.TryAcquire() {
				break
			}
			// Cascade the wakeup so sibling workers pick up remaining
			// queue items concurrently.
			e.notify()
			ran := e.executor.RunNext(ctx)
			e.limiter.Release()
			if !ran {
				break
			}
		}
	}
}

// promoteLoop periodically moves due scheduled items into their lanes.
func (e *Engine) promoteLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if promoted := e.queue.PromoteDue(); len(promoted) > 0 {
				for _, item := range promoted {
					e.events.Publish(EventOperationQueued, item.OperationID, map[string]any{
						"priority":  string(item.Priority),
						"scheduled": true,
					})
				}
				e.notify()
			}
		}
	}
}

// notify wakes an idle worker without blocking.
func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// CreateOperation validates and registers a new Pending operation.
func (e *Engine) CreateOperation(cfg OperationConfig) (Operation, error) {
	switch cfg.Kind {
	case KindImport, KindExport, KindUpdate, KindDelete:
	default:
		return Operation{}, fmt.Errorf("unknown operation kind %q", cfg.Kind)
	}
	if len(cfg.Payload) == 0 && cfg.Query == nil {
		return Operation{}, fmt.Errorf("operation requires a payload or a query")
	}
	if cfg.Query != nil && len(cfg.Payload) == 0 && cfg.TotalItems <= 0 {
		return Operation{}, fmt.Errorf("query-driven operation requires totalItems")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = e.defaultBatchSize
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	op := &Operation{
		ID:         uuid.New().String(),
		Kind:       cfg.Kind,
		Status:     StatusPending,
		TotalItems: cfg.itemCount(),
		Config:     cfg,
		CreatedBy:  cfg.CreatedBy,
		CreatedAt:  e.clock.Now(),
	}
	e.registry.Add(op)

	e.events.Publish(EventOperationCreated, op.ID, map[string]any{
		"kind":       string(op.Kind),
		"totalItems": op.TotalItems,
		"createdBy":  op.CreatedBy,
	})
	slog.Info("operation created",
		"operation_id", op.ID,
		"kind", string(op.Kind),
		"total_items", op.TotalItems,
	)
	return op.clone(), nil
}

// Enqueue moves a Pending operation onto a priority lane (or the scheduled
// set) and wakes the workers.
func (e *Engine) Enqueue(operationID string, priority Priority, opts EnqueueOptions) (QueueItem, error) {
	if err := e.registry.Transition(operationID, StatusQueued); err != nil {
		return QueueItem{}, err
	}
	item, err := e.queue.Enqueue(operationID, priority, opts)
	if err != nil {
		// Put the operation back where it was.
		if revertErr := e.registry.Transition(operationID, StatusPending); revertErr != nil {
			slog.Error("failed to revert enqueue transition", "operation_id", operationID, "error", revertErr)
		}
		return QueueItem{}, err
	}

	data := map[string]any{"priority": string(priority)}
	if !item.ScheduledFor.IsZero() {
		data["scheduledFor"] = item.ScheduledFor
	}
	e.events.Publish(EventOperationQueued, operationID, data)
	e.notify()
	return item, nil
}

// Cancel requests cancellation. Pending and Queued operations cancel
// immediately; Running operations stop at the next batch boundary.
func (e *Engine) Cancel(operationID string) error {
	prior, err := e.registry.RequestCancel(operationID)
	if err != nil {
		return err
	}

	switch prior {
	case StatusRunning:
		// The executor observes the flag and finalizes.
		slog.Info("cancellation requested", "operation_id", operationID)
	default:
		e.queue.Remove(operationID)
		op, getErr := e.registry.Get(operationID)
		if getErr == nil {
			e.events.Publish(EventOperationCancelled, operationID, map[string]any{
				"status":         string(op.Status),
				"processedItems": op.ProcessedItems,
			})
			e.ledger.RecordCompletion(op)
		}
		slog.Info("operation cancelled", "operation_id", operationID, "prior_status", string(prior))
	}
	return nil
}

// GetOperation returns a snapshot of one operation.
func (e *Engine) GetOperation(operationID string) (Operation, error) {
	return e.registry.Get(operationID)
}

// ListOperations returns snapshots matching the filter, newest first.
func (e *Engine) ListOperations(filter OperationFilter) []Operation {
	return e.registry.List(filter)
}

// RegisterSchema adds or replaces a validation schema.
func (e *Engine) RegisterSchema(id string, schema Schema) error {
	if id == "" {
		return fmt.Errorf("schema id is required")
	}
	e.validation.RegisterSchema(id, schema)
	e.events.Publish(EventSchemaRegistered, "", map[string]any{
		"schemaId":       id,
		"requiredFields": len(schema.Required),
		"fieldRules":     len(schema.Fields),
	})
	return nil
}

// SchemaIDs lists registered schema identifiers.
func (e *Engine) SchemaIDs() []string {
	return e.validation.SchemaIDs()
}

// Validate runs one record through a schema, feeding quality metrics.
func (e *Engine) Validate(schemaID string, record Record) (ValidationResult, error) {
	results, err := e.ValidateMany(schemaID, []Record{record})
	if err != nil {
		return ValidationResult{}, err
	}
	return results[0], nil
}

// ValidateMany runs records through a schema in order, feeding quality
// metrics and publishing a metrics_updated event.
func (e *Engine) ValidateMany(schemaID string, records []Record) ([]ValidationResult, error) {
	schema, err := e.validation.SchemaFor(schemaID)
	if err != nil {
		return nil, err
	}
	results := e.validation.ValidateBatch(schema, records)
	for _, res := range results {
		e.quality.Record(schemaID, schema.expectedFieldCount(), res)
	}
	e.events.Publish(EventMetricsUpdated, "", map[string]any{
		"schemaId": schemaID,
		"metrics":  e.quality.MetricsFor(schemaID),
	})
	return results, nil
}

// MetricsFor returns the quality aggregate for one schema.
func (e *Engine) MetricsFor(schemaID string) QualityMetrics {
	return e.quality.MetricsFor(schemaID)
}

// AllMetrics returns quality aggregates for every schema seen.
func (e *Engine) AllMetrics() []QualityMetrics {
	return e.quality.All()
}

// Subscribe registers an event subscriber and returns its unsubscribe
// function.
func (e *Engine) Subscribe(fn Subscriber) func() {
	return e.events.Subscribe(fn)
}

// SubscribeOperation registers a subscriber that only receives one
// operation's events.
func (e *Engine) SubscribeOperation(operationID string, fn Subscriber) func() {
	return e.events.Subscribe(func(evt Event) {
		if evt.OperationID == operationID {
			fn(evt)
		}
	})
}

// History returns finalized operation summaries, newest first.
func (e *Engine) History(filter HistoryFilter) []HistoryEntry {
	return e.ledger.History(filter)
}

// AuditLogs returns one operation's audit events, oldest first.
func (e *Engine) AuditLogs(operationID string, filter AuditFilter) []Event {
	return e.ledger.AuditLogs(operationID, filter)
}

// Timeline returns one operation's chronological event sequence.
func (e *Engine) Timeline(operationID string) []Event {
	return e.ledger.Timeline(operationID)
}

// Statistics rolls up the filtered history set.
func (e *Engine) Statistics(filter HistoryFilter) Statistics {
	return e.ledger.Statistics(filter)
}

// PauseLane gates a priority lane.
func (e *Engine) PauseLane(priority Priority) {
	e.queue.Pause(priority)
	slog.Info("queue lane paused", "priority", string(priority))
}

// ResumeLane reopens a paused lane and wakes the workers.
func (e *Engine) ResumeLane(priority Priority) {
	e.queue.Resume(priority)
	slog.Info("queue lane resumed", "priority", string(priority))
	e.notify()
}

// LanePaused reports whether a lane is gated.
func (e *Engine) LanePaused(priority Priority) bool {
	return e.queue.Paused(priority)
}

// QueueDepth returns active-lane and scheduled-set sizes.
func (e *Engine) QueueDepth() (active, scheduled int) {
	return e.queue.Len(), e.queue.ScheduledLen()
}

// ActiveRuns returns the number of operations currently executing.
func (e *Engine) ActiveRuns() int {
	return e.limiter.Active()
}

// ClearCompleted evicts terminal operations older than retention from the
// registry. History entries are unaffected.
func (e *Engine) ClearCompleted(retention time.Duration) int {
	removed := e.registry.ClearCompleted(int64(retention.Seconds()))
	if removed > 0 {
		slog.Info("cleared completed operations", "removed", removed)
	}
	return removed
}
