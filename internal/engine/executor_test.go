package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func importPayload(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{"idx": i}
	}
	return records
}

func TestExecutor_PartialFailure(t *testing.T) {
	source := &fakeSource{}
	source.apply = func(records []Record) (BatchResult, error) {
		for _, rec := range records {
			if rec["idx"] == 3 {
				return BatchResult{SuccessCount: 1, FailureCount: 1}, errors.New("record 3 rejected")
			}
		}
		return BatchResult{SuccessCount: len(records)}, nil
	}
	eng, clock := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:          KindImport,
		BatchSize:     2,
		RetryAttempts: 1,
		RetryDelay:    100 * time.Millisecond,
		Payload:       importPayload(5),
	})

	if op.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s (errors: %+v)", op.Status, StatusCompleted, op.Errors)
	}
	if op.TotalItems != 5 || op.ProcessedItems != 5 {
		t.Errorf("total/processed = %d/%d, want 5/5", op.TotalItems, op.ProcessedItems)
	}
	if op.SuccessItems != 4 || op.FailedItems != 1 {
		t.Errorf("success/failed = %d/%d, want 4/1", op.SuccessItems, op.FailedItems)
	}
	if op.ProgressPercent != 100 {
		t.Errorf("ProgressPercent = %d, want 100", op.ProgressPercent)
	}

	if len(op.Errors) != 1 {
		t.Fatalf("got %d errors, want exactly 1: %+v", len(op.Errors), op.Errors)
	}
	if op.Errors[0].Kind != ErrKindBatchExecution || op.Errors[0].BatchStart != 2 {
		t.Errorf("error = %+v, want kind=%s batchStart=2", op.Errors[0], ErrKindBatchExecution)
	}

	// Three batches, the failing one attempted twice.
	if got := source.ApplyCallCount(); got != 4 {
		t.Errorf("source calls = %d, want 4", got)
	}
	slept := clock.Slept()
	if len(slept) != 1 || slept[0] != 100*time.Millisecond {
		t.Errorf("retry sleeps = %v, want [100ms]", slept)
	}
}

func TestExecutor_RetrySucceedsOnSecondAttempt(t *testing.T) {
	attempts := 0
	source := &fakeSource{}
	source.apply = func(records []Record) (BatchResult, error) {
		attempts++
		if attempts == 1 {
			return BatchResult{}, errors.New("transient")
		}
		return BatchResult{SuccessCount: len(records)}, nil
	}
	eng, clock := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:          KindImport,
		BatchSize:     10,
		RetryAttempts: 3,
		RetryDelay:    50 * time.Millisecond,
		Payload:       importPayload(4),
	})

	if op.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", op.Status, StatusCompleted)
	}
	if op.SuccessItems != 4 || op.FailedItems != 0 {
		t.Errorf("success/failed = %d/%d, want 4/0", op.SuccessItems, op.FailedItems)
	}
	if len(op.Errors) != 0 {
		t.Errorf("errors = %+v, want none", op.Errors)
	}
	if op.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", op.RetryCount)
	}
	if slept := clock.Slept(); len(slept) != 1 {
		t.Errorf("sleeps = %v, want one backoff", slept)
	}
}

func TestExecutor_BackoffScalesByAttempt(t *testing.T) {
	source := &fakeSource{}
	source.apply = func([]Record) (BatchResult, error) {
		return BatchResult{}, errors.New("always down")
	}
	eng, clock := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:          KindImport,
		BatchSize:     10,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
		Payload:       importPayload(2),
	})

	if op.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", op.Status, StatusCompleted)
	}
	if op.FailedItems != 2 {
		t.Errorf("FailedItems = %d, want 2", op.FailedItems)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	slept := clock.Slept()
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestExecutor_FailOnValidationError(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)
	eng.RegisterSchema("users", Schema{
		Required: []string{"email"},
		Fields:   map[string]FieldRule{"email": {Format: "email"}},
	})

	op := runQueued(t, eng, OperationConfig{
		Kind:                  KindImport,
		BatchSize:             2,
		SchemaID:              "users",
		FailOnValidationError: true,
		Payload: []Record{
			{"email": "ok@example.com"},
			{"email": "broken"},
		},
	})

	if op.Status != StatusFailed {
		t.Fatalf("Status = %s, want %s", op.Status, StatusFailed)
	}
	if op.ProcessedItems != 0 {
		t.Errorf("ProcessedItems = %d, want 0 (no batches run)", op.ProcessedItems)
	}
	if len(op.Errors) != 1 || op.Errors[0].Kind != ErrKindPreValidation {
		t.Errorf("errors = %+v, want one %s error", op.Errors, ErrKindPreValidation)
	}
	if source.ApplyCallCount() != 0 {
		t.Errorf("source calls = %d, want 0", source.ApplyCallCount())
	}
}

func TestExecutor_ValidationIssuesNonFatal(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)
	eng.RegisterSchema("users", Schema{
		Fields: map[string]FieldRule{"email": {Format: "email"}},
	})

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		SchemaID:  "users",
		Payload: []Record{
			{"email": "ok@example.com"},
			{"email": "broken"},
		},
	})

	if op.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", op.Status, StatusCompleted)
	}
	if len(op.Errors) != 0 {
		t.Errorf("errors = %+v, want none", op.Errors)
	}
	if len(op.Warnings) == 0 {
		t.Error("invalid records should surface as warnings")
	}
	if op.ProcessedItems != 2 {
		t.Errorf("ProcessedItems = %d, want 2", op.ProcessedItems)
	}
}

func TestExecutor_UnknownSchemaFailsOperation(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		SchemaID:  "missing",
		Payload:   importPayload(2),
	})

	if op.Status != StatusFailed {
		t.Fatalf("Status = %s, want %s", op.Status, StatusFailed)
	}
	if len(op.Errors) != 1 || op.Errors[0].Kind != ErrKindPreValidation {
		t.Errorf("errors = %+v, want one %s error", op.Errors, ErrKindPreValidation)
	}
}

func TestExecutor_CancelAtBatchBoundary(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)

	op, err := eng.CreateOperation(OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(6),
	})
	if err != nil {
		t.Fatalf("CreateOperation failed: %v", err)
	}

	source.apply = func(records []Record) (BatchResult, error) {
		// Request cancellation mid-run; the executor observes the flag
		// before the next batch.
		if cancelErr := eng.Cancel(op.ID); cancelErr != nil {
			t.Errorf("Cancel failed: %v", cancelErr)
		}
		return BatchResult{SuccessCount: len(records)}, nil
	}

	if _, err := eng.Enqueue(op.ID, PriorityNormal, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	eng.executor.RunNext(context.Background())

	final, _ := eng.GetOperation(op.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("Status = %s, want %s", final.Status, StatusCancelled)
	}
	if final.ProcessedItems != 2 {
		t.Errorf("ProcessedItems = %d, want 2 (first batch only)", final.ProcessedItems)
	}
	if source.ApplyCallCount() != 1 {
		t.Errorf("source calls = %d, want 1", source.ApplyCallCount())
	}
}

func TestExecutor_PanicBecomesFailed(t *testing.T) {
	source := &fakeSource{}
	source.apply = func([]Record) (BatchResult, error) {
		panic("source exploded")
	}
	eng, _ := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(2),
	})

	if op.Status != StatusFailed {
		t.Fatalf("Status = %s, want %s", op.Status, StatusFailed)
	}
	if len(op.Errors) != 1 || op.Errors[0].Kind != ErrKindUnhandled {
		t.Errorf("errors = %+v, want one %s error", op.Errors, ErrKindUnhandled)
	}
}

func TestExecutor_ProgressInvariantHolds(t *testing.T) {
	source := &fakeSource{}
	source.apply = func(records []Record) (BatchResult, error) {
		for _, rec := range records {
			if rec["idx"] == 4 {
				return BatchResult{SuccessCount: len(records) - 1, FailureCount: 1}, nil
			}
		}
		return BatchResult{SuccessCount: len(records)}, nil
	}
	eng, _ := newTestEngine(t, source)

	var progress []Event
	eng.Subscribe(func(evt Event) {
		if evt.Type == EventOperationProgress {
			progress = append(progress, evt)
		}
	})

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindImport,
		BatchSize: 3,
		Payload:   importPayload(7),
	})

	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	for i, evt := range progress {
		processed := evt.Data["processedItems"].(int)
		success := evt.Data["successItems"].(int)
		failed := evt.Data["failedItems"].(int)
		total := evt.Data["totalItems"].(int)
		if success+failed != processed {
			t.Errorf("event %d: success %d + failed %d != processed %d", i, success, failed, processed)
		}
		if processed > total {
			t.Errorf("event %d: processed %d exceeds total %d", i, processed, total)
		}
	}
	if op.SuccessItems+op.FailedItems != op.ProcessedItems || op.ProcessedItems > op.TotalItems {
		t.Errorf("terminal counters violate invariant: %+v", op)
	}
}

func TestExecutor_QueryDrivenExport(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:       KindExport,
		BatchSize:  25,
		Query:      &Query{Params: map[string]string{"status": "active"}},
		TotalItems: 60,
	})

	if op.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", op.Status, StatusCompleted)
	}
	if op.ProcessedItems != 60 {
		t.Errorf("ProcessedItems = %d, want 60", op.ProcessedItems)
	}
	if len(source.fetchCalls) != 3 {
		t.Fatalf("fetch calls = %d, want 3", len(source.fetchCalls))
	}
	for i, q := range source.fetchCalls {
		if q.Offset != i*25 {
			t.Errorf("fetch %d offset = %d, want %d", i, q.Offset, i*25)
		}
		if q.Params["status"] != "active" {
			t.Errorf("fetch %d lost query params: %+v", i, q.Params)
		}
	}
	if source.fetchCalls[2].Limit != 10 {
		t.Errorf("final fetch limit = %d, want 10", source.fetchCalls[2].Limit)
	}
}

func TestExecutor_HistoryRecordedOnce(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindImport,
		BatchSize: 2,
		Payload:   importPayload(4),
	})

	entries := eng.History(HistoryFilter{OperationID: op.ID})
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].Status != StatusCompleted || entries[0].SuccessItems != 4 {
		t.Errorf("entry = %+v", entries[0])
	}

	timeline := eng.Timeline(op.ID)
	if len(timeline) == 0 {
		t.Fatal("timeline should contain the run's events")
	}
	wantOrder := []EventType{EventOperationCreated, EventOperationQueued, EventOperationStarted}
	for i, wantType := range wantOrder {
		if timeline[i].Type != wantType {
			t.Errorf("timeline[%d] = %s, want %s", i, timeline[i].Type, wantType)
		}
	}
	last := timeline[len(timeline)-1]
	if last.Type != EventOperationCompleted {
		t.Errorf("timeline should end with completion, got %s", last.Type)
	}
}

func TestExecutor_RunNextEmptyQueue(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})
	if eng.executor.RunNext(context.Background()) {
		t.Error("RunNext on empty queue should return false")
	}
}

func TestExecutor_LargeBatchCountsConsistent(t *testing.T) {
	source := &fakeSource{}
	eng, _ := newTestEngine(t, source)

	op := runQueued(t, eng, OperationConfig{
		Kind:      KindDelete,
		BatchSize: 7,
		Payload:   importPayload(23),
	})

	if op.Status != StatusCompleted {
		t.Fatalf("Status = %s, want %s", op.Status, StatusCompleted)
	}
	if op.ProcessedItems != 23 || op.SuccessItems != 23 {
		t.Errorf("processed/success = %d/%d, want 23/23", op.ProcessedItems, op.SuccessItems)
	}
	if got := source.ApplyCallCount(); got != 4 {
		t.Errorf("source calls = %d, want 4 (sizes %s)", got, fmt.Sprint([]int{7, 7, 7, 2}))
	}
}
