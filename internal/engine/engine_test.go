package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, eng *Engine, id string, want OperationStatus) Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, err := eng.GetOperation(id)
		if err != nil {
			t.Fatalf("GetOperation failed: %v", err)
		}
		if op.Status == want {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	op, _ := eng.GetOperation(id)
	t.Fatalf("operation never reached %s, stuck at %s", want, op.Status)
	return Operation{}
}

func TestEngine_CreateOperationValidation(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	tests := []struct {
		name string
		cfg  OperationConfig
	}{
		{"unknown kind", OperationConfig{Kind: "merge", Payload: importPayload(1)}},
		{"no payload or query", OperationConfig{Kind: KindImport}},
		{"query without totalItems", OperationConfig{Kind: KindExport, Query: &Query{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.CreateOperation(tt.cfg); err == nil {
				t.Error("expected CreateOperation to fail")
			}
		})
	}
}

func TestEngine_CreateOperationDefaults(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	op, err := eng.CreateOperation(OperationConfig{Kind: KindImport, Payload: importPayload(3)})
	if err != nil {
		t.Fatalf("CreateOperation failed: %v", err)
	}
	if op.Status != StatusPending {
		t.Errorf("Status = %s, want %s", op.Status, StatusPending)
	}
	if op.ID == "" {
		t.Error("operation should get an id")
	}
	if op.Config.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want default %d", op.Config.BatchSize, DefaultBatchSize)
	}
	if op.TotalItems != 3 {
		t.Errorf("TotalItems = %d, want 3", op.TotalItems)
	}
}

func TestEngine_RequiresSource(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without a source should fail")
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	source := &fakeSource{}
	eng, err := New(Options{Source: source, MaxConcurrent: 2, PromoteInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	done := make(chan Event, 8)
	eng.Subscribe(func(evt Event) {
		if evt.Type == EventOperationCompleted {
			select {
			case done <- evt:
			default:
			}
		}
	})

	op, err := eng.CreateOperation(OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(5),
	})
	if err != nil {
		t.Fatalf("CreateOperation failed: %v", err)
	}
	if _, err := eng.Enqueue(op.ID, PriorityHigh, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("operation never completed")
	}

	final := waitForStatus(t, eng, op.ID, StatusCompleted)
	if final.SuccessItems != 5 || final.FailedItems != 0 {
		t.Errorf("success/failed = %d/%d, want 5/0", final.SuccessItems, final.FailedItems)
	}

	if entries := eng.History(HistoryFilter{OperationID: op.ID}); len(entries) != 1 {
		t.Errorf("history entries = %d, want 1", len(entries))
	}
	stats := eng.Statistics(HistoryFilter{})
	if stats.TotalOperations != 1 || stats.SuccessRate != 100 {
		t.Errorf("stats = %+v, want 1 op at 100%% success", stats)
	}
}

func TestEngine_ScheduledOperationRuns(t *testing.T) {
	source := &fakeSource{}
	eng, err := New(Options{Source: source, PromoteInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Close(ctx)
	}()

	op, _ := eng.CreateOperation(OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(2),
	})
	if _, err := eng.Enqueue(op.ID, PriorityNormal, EnqueueOptions{
		ScheduledFor: time.Now().Add(30 * time.Millisecond),
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, scheduled := eng.QueueDepth(); scheduled != 1 {
		t.Errorf("scheduled depth = %d, want 1", scheduled)
	}

	waitForStatus(t, eng, op.ID, StatusCompleted)
}

func TestEngine_CancelQueuedOperation(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	op, _ := eng.CreateOperation(OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(2),
	})
	if _, err := eng.Enqueue(op.ID, PriorityNormal, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := eng.Cancel(op.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	final, _ := eng.GetOperation(op.ID)
	if final.Status != StatusCancelled {
		t.Errorf("Status = %s, want %s", final.Status, StatusCancelled)
	}
	if active, _ := eng.QueueDepth(); active != 0 {
		t.Errorf("queue depth = %d, want 0 after cancel", active)
	}
	if entries := eng.History(HistoryFilter{OperationID: op.ID}); len(entries) != 1 {
		t.Errorf("cancelled operation should have a history entry, got %d", len(entries))
	}
}

func TestEngine_CancelTerminalFails(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(2),
	})

	err := eng.Cancel(op.ID)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Errorf("Cancel on terminal = %v, want InvalidStateError", err)
	}
}

func TestEngine_EnqueueTwiceFails(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	op, _ := eng.CreateOperation(OperationConfig{Kind: KindImport, Payload: importPayload(1)})
	if _, err := eng.Enqueue(op.ID, PriorityNormal, EnqueueOptions{}); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if _, err := eng.Enqueue(op.ID, PriorityNormal, EnqueueOptions{}); err == nil {
		t.Error("second Enqueue should fail")
	}
}

func TestEngine_PauseResumeLane(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	op, _ := eng.CreateOperation(OperationConfig{Kind: KindImport, Payload: importPayload(1)})
	eng.Enqueue(op.ID, PriorityHigh, EnqueueOptions{})

	eng.PauseLane(PriorityHigh)
	if !eng.LanePaused(PriorityHigh) {
		t.Fatal("lane should be paused")
	}
	if eng.executor.RunNext(context.Background()) {
		t.Fatal("paused lane should yield nothing")
	}

	eng.ResumeLane(PriorityHigh)
	if !eng.executor.RunNext(context.Background()) {
		t.Fatal("resumed lane should yield the queued operation")
	}
	waitForStatus(t, eng, op.ID, StatusCompleted)
}

func TestEngine_ValidateFeedsQualityMetrics(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})
	eng.RegisterSchema("users", Schema{
		Required: []string{"email"},
		Fields:   map[string]FieldRule{"email": {Format: "email"}},
	})

	result, err := eng.Validate("users", Record{"email": "nope"})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if result.Status != ValidationInvalid {
		t.Errorf("Status = %q, want %q", result.Status, ValidationInvalid)
	}

	eng.Validate("users", Record{"email": "ok@example.com"})

	m := eng.MetricsFor("users")
	if m.TotalValidations != 2 || m.InvalidRecords != 1 || m.ValidRecords != 1 {
		t.Errorf("metrics = %+v, want 2 validations split 1/1", m)
	}
	if m.QualityScore >= 100 {
		t.Errorf("QualityScore = %v, want < 100", m.QualityScore)
	}
}

func TestEngine_ValidateUnknownSchema(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})
	if _, err := eng.Validate("ghost", Record{}); !errors.Is(err, ErrSchemaNotFound) {
		t.Errorf("err = %v, want ErrSchemaNotFound", err)
	}
}

func TestEngine_ClearCompleted(t *testing.T) {
	eng, clock := newTestEngine(t, &fakeSource{})

	op := runQueued(t, eng, OperationConfig{Kind: KindImport, Payload: importPayload(1)})
	clock.Advance(2 * time.Hour)

	if removed := eng.ClearCompleted(time.Hour); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := eng.GetOperation(op.ID); !errors.Is(err, ErrOperationNotFound) {
		t.Error("cleared operation should be gone from the registry")
	}
	if entries := eng.History(HistoryFilter{OperationID: op.ID}); len(entries) != 1 {
		t.Error("history must survive registry eviction")
	}
}

func TestEngine_SubscribeOperationFiltersOthers(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	opA, err := eng.CreateOperation(OperationConfig{Kind: KindImport, Payload: importPayload(1)})
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}

	var got []Event
	unsubscribe := eng.SubscribeOperation(opA.ID, func(evt Event) {
		got = append(got, evt)
	})
	defer unsubscribe()

	// Activity on another operation must not reach the subscriber.
	opB, err := eng.CreateOperation(OperationConfig{Kind: KindImport, Payload: importPayload(1)})
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if _, err := eng.Enqueue(opB.ID, PriorityNormal, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue(opB) error = %v", err)
	}

	if _, err := eng.Enqueue(opA.ID, PriorityHigh, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue(opA) error = %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Type != EventOperationQueued || got[0].OperationID != opA.ID {
		t.Errorf("got event %s for %s, want %s for %s",
			got[0].Type, got[0].OperationID, EventOperationQueued, opA.ID)
	}
}
