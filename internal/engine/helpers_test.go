package engine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a deterministic Clock. Sleep advances it instead of blocking.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// fakeSource is a scriptable DataSource. Unset hooks report full success.
type fakeSource struct {
	mu         sync.Mutex
	applyCalls [][]Record
	fetchCalls []Query

	apply func(records []Record) (BatchResult, error)
	fetch func(q Query) (BatchResult, error)
}

func (s *fakeSource) doApply(records []Record) (BatchResult, error) {
	s.mu.Lock()
	copied := append([]Record(nil), records...)
	s.applyCalls = append(s.applyCalls, copied)
	fn := s.apply
	s.mu.Unlock()

	if fn != nil {
		return fn(records)
	}
	return BatchResult{SuccessCount: len(records)}, nil
}

func (s *fakeSource) doFetch(q Query) (BatchResult, error) {
	s.mu.Lock()
	s.fetchCalls = append(s.fetchCalls, q)
	fn := s.fetch
	s.mu.Unlock()

	if fn != nil {
		return fn(q)
	}
	return BatchResult{SuccessCount: q.Limit}, nil
}

func (s *fakeSource) FetchForExport(_ context.Context, q Query) (BatchResult, error) {
	return s.doFetch(q)
}

func (s *fakeSource) FetchForUpdate(_ context.Context, q Query) (BatchResult, error) {
	return s.doFetch(q)
}

func (s *fakeSource) FetchForDelete(_ context.Context, q Query) (BatchResult, error) {
	return s.doFetch(q)
}

func (s *fakeSource) ApplyImportBatch(_ context.Context, records []Record) (BatchResult, error) {
	return s.doApply(records)
}

func (s *fakeSource) ApplyUpdateBatch(_ context.Context, records []Record) (BatchResult, error) {
	return s.doApply(records)
}

func (s *fakeSource) ApplyDeleteBatch(_ context.Context, records []Record) (BatchResult, error) {
	return s.doApply(records)
}

func (s *fakeSource) ApplyCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applyCalls)
}

// newTestEngine builds an engine around a fake clock and source without
// starting the worker pool. Tests drive execution synchronously through
// the executor.
func newTestEngine(t *testing.T, source *fakeSource) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	eng, err := New(Options{Source: source, Clock: clock})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng, clock
}

// runQueued creates, enqueues and synchronously executes one operation,
// returning its final snapshot.
func runQueued(t *testing.T, eng *Engine, cfg OperationConfig) Operation {
	t.Helper()
	op, err := eng.CreateOperation(cfg)
	if err != nil {
		t.Fatalf("CreateOperation failed: %v", err)
	}
	if _, err := eng.Enqueue(op.ID, PriorityNormal, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !eng.executor.RunNext(context.Background()) {
		t.Fatal("RunNext found nothing to run")
	}
	final, err := eng.GetOperation(op.ID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	return final
}

func floatPtr(f float64) *float64 { return &f }

func intPtr(n int) *int { return &n }
