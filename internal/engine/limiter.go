package engine

// limiter.go implements concurrency control for operation execution.
//
// The limiter uses a semaphore pattern to bound the number of concurrently
// running operations to maxConcurrent. Worker goroutines acquire a slot
// before driving an operation and release it when done. WaitForDrain blocks
// until all running operations finish, which graceful shutdown relies on.

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxConcurrent is the default bound on concurrently running
// operations.
const DefaultMaxConcurrent = 4

// RunLimiter bounds concurrent operation execution using a semaphore.
type RunLimiter struct {
	semaphore chan struct{}

	mu     sync.RWMutex
	active int
}

// NewRunLimiter creates a limiter allowing at most maxConcurrent
// simultaneously running operations.
func NewRunLimiter(maxConcurrent int) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &RunLimiter{semaphore: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a run slot is free or ctx is cancelled.
// The caller MUST call Release when the operation completes (use defer).
func (l *RunLimiter) Acquire(ctx context.Context) error {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking.
func (l *RunLimiter) TryAcquire() bool {
	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees a run slot.
func (l *RunLimiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()

	select {
	case <-l.semaphore:
	default:
	}
}

// Active returns the number of operations currently holding a slot.
func (l *RunLimiter) Active() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// WaitForDrain blocks until no operation holds a slot or ctx expires.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
