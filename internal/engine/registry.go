package engine

// registry.go owns the canonical state of every operation. All status
// transitions and progress updates flow through the registry so the state
// machine and counter invariants are enforced in one place. Readers get
// defensive copies; only the executor mutates a running operation, through
// the methods below.

import (
	"math"
	"sort"
	"sync"
)

// allowedTransitions is the operation state machine. Terminal states have
// no outgoing edges.
var allowedTransitions = map[OperationStatus][]OperationStatus{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusPending, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// OperationRegistry is the single source of truth for operation state.
type OperationRegistry struct {
	mu    sync.RWMutex
	ops   map[string]*Operation
	clock Clock
}

// NewOperationRegistry creates an empty registry.
func NewOperationRegistry(clock Clock) *OperationRegistry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &OperationRegistry{ops: make(map[string]*Operation), clock: clock}
}

// Add registers a freshly created operation. The operation must be Pending.
func (r *OperationRegistry) Add(op *Operation) {
	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()
}

// Get returns a snapshot of the operation.
func (r *OperationRegistry) Get(id string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	return op.clone(), nil
}

// List returns snapshots of all operations matching the filter, newest
// first.
func (r *OperationRegistry) List(filter OperationFilter) []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		if filter.Kind != "" && op.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && op.CreatedBy != filter.CreatedBy {
			continue
		}
		out = append(out, op.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Transition moves an operation to a new status, stamping StartedAt when it
// begins running and EndedAt/Duration when it terminates. Illegal moves
// return InvalidStateError.
func (r *OperationRegistry) Transition(id string, to OperationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if !transitionAllowed(op.Status, to) {
		return &InvalidStateError{OperationID: id, From: op.Status, To: to}
	}

	op.Status = to
	now := r.clock.Now()
	switch {
	case to == StatusRunning:
		op.StartedAt = now
	case to.Terminal():
		op.EndedAt = now
		if !op.StartedAt.IsZero() {
			op.Duration = op.EndedAt.Sub(op.StartedAt)
		}
	}
	return nil
}

func transitionAllowed(from, to OperationStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RequestCancel implements cooperative cancellation. Pending and Queued
// operations are cancelled immediately; a Running operation only has its
// cancel flag set, observed by the executor at the next batch boundary.
// The status the operation held before the call is returned so the caller
// can release queue entries. Terminal operations reject the request with
// InvalidStateError.
func (r *OperationRegistry) RequestCancel(id string) (OperationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return "", ErrOperationNotFound
	}
	prior := op.Status
	switch {
	case prior.Terminal():
		return prior, &InvalidStateError{OperationID: id, From: prior, To: StatusCancelled}
	case prior == StatusRunning:
		op.cancelRequested = true
		return prior, nil
	default:
		op.Status = StatusCancelled
		op.EndedAt = r.clock.Now()
		if !op.StartedAt.IsZero() {
			op.Duration = op.EndedAt.Sub(op.StartedAt)
		}
		return prior, nil
	}
}

// CancelRequested reports whether a cooperative cancel is pending.
func (r *OperationRegistry) CancelRequested(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	return ok && op.cancelRequested
}

// SetTotal fixes the operation's item count before execution starts.
func (r *OperationRegistry) SetTotal(id string, total int) error {
	return r.mutate(id, func(op *Operation) {
		op.TotalItems = total
	})
}

// RecordBatch folds one batch result into the operation's counters and
// recomputes derived progress fields.
func (r *OperationRegistry) RecordBatch(id string, success, failed int, itemsPerSecond float64) error {
	return r.mutate(id, func(op *Operation) {
		op.SuccessItems += success
		op.FailedItems += failed
		op.ProcessedItems = op.SuccessItems + op.FailedItems
		if op.ProcessedItems > op.TotalItems {
			op.ProcessedItems = op.TotalItems
		}
		if op.TotalItems > 0 {
			op.ProgressPercent = int(math.Round(float64(op.ProcessedItems) / float64(op.TotalItems) * 100))
		}
		op.ItemsPerSecond = itemsPerSecond
	})
}

// SetRetryCount records the current batch's retry counter.
func (r *OperationRegistry) SetRetryCount(id string, n int) error {
	return r.mutate(id, func(op *Operation) {
		op.RetryCount = n
	})
}

// AddError appends a recorded error to the operation.
func (r *OperationRegistry) AddError(id string, opErr OperationError) error {
	return r.mutate(id, func(op *Operation) {
		op.Errors = append(op.Errors, opErr)
	})
}

// AddWarning appends a recorded warning to the operation.
func (r *OperationRegistry) AddWarning(id string, warn OperationWarning) error {
	return r.mutate(id, func(op *Operation) {
		op.Warnings = append(op.Warnings, warn)
	})
}

// mutate applies fn to a non-terminal operation under the write lock.
func (r *OperationRegistry) mutate(id string, fn func(*Operation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status.Terminal() {
		return &InvalidStateError{OperationID: id, From: op.Status, To: op.Status}
	}
	fn(op)
	return nil
}

// ClearCompleted evicts terminal operations whose end time is older than
// the cutoff returned by the clock minus retention. Returns the number of
// operations removed.
func (r *OperationRegistry) ClearCompleted(cutoffSecondsAgo int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Unix() - cutoffSecondsAgo
	removed := 0
	for id, op := range r.ops {
		if op.Status.Terminal() && !op.EndedAt.IsZero() && op.EndedAt.Unix() <= cutoff {
			delete(r.ops, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of tracked operations.
func (r *OperationRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}
