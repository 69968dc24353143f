package engine

// history.go is the append-only audit trail and completion ledger.
//
// Two record kinds are kept: fine-grained audit events (one per engine
// event, bounded with oldest-first eviction) and history entries (exactly
// one finalized summary per terminal operation). Statistical queries scan
// the filtered history set directly; nothing is pre-aggregated.

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAuditEvents bounds the in-memory audit buffer.
const DefaultMaxAuditEvents = 10000

// HistoryEntry is the immutable summary written once when an operation
// terminates.
type HistoryEntry struct {
	ID              string             `json:"id"`
	OperationID     string             `json:"operationId"`
	Kind            OperationKind      `json:"kind"`
	Status          OperationStatus    `json:"status"`
	TotalItems      int                `json:"totalItems"`
	ProcessedItems  int                `json:"processedItems"`
	SuccessItems    int                `json:"successItems"`
	FailedItems     int                `json:"failedItems"`
	Errors          []OperationError   `json:"errors,omitempty"`
	Warnings        []OperationWarning `json:"warnings,omitempty"`
	CreatedBy       string             `json:"createdBy,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       time.Time          `json:"startedAt,omitzero"`
	EndedAt         time.Time          `json:"endedAt,omitzero"`
	Duration        time.Duration      `json:"duration"`
	ItemsPerSecond  float64            `json:"itemsPerSecond"`
	ProgressPercent int                `json:"progressPercent"`
}

// HistoryFilter narrows history and statistics queries. Zero-valued fields
// match everything.
type HistoryFilter struct {
	OperationID string
	Kind        OperationKind
	Status      OperationStatus
	CreatedBy   string
	From        time.Time
	To          time.Time
	Limit       int
}

// AuditFilter narrows audit log queries for one operation.
type AuditFilter struct {
	Types []EventType
	From  time.Time
	To    time.Time
	Limit int
}

// ErrorFrequency is one entry of the top-errors statistic.
type ErrorFrequency struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Statistics is the rolled-up view over a filtered history set.
type Statistics struct {
	TotalOperations   int                     `json:"totalOperations"`
	ByKind            map[OperationKind]int   `json:"byType"`
	ByStatus          map[OperationStatus]int `json:"byStatus"`
	SuccessRate       float64                 `json:"successRate"`
	AverageDuration   time.Duration           `json:"averageDuration"`
	ErrorRate         float64                 `json:"errorRate"`
	ThroughputPerHour float64                 `json:"throughputPerHour"`
	TopErrors         []ErrorFrequency        `json:"topErrors"`
}

// Sink receives finalized entries and audit events for durable storage.
// The ledger treats it as best-effort: sink failures are logged, never
// propagated.
type Sink interface {
	SaveEntry(ctx context.Context, entry HistoryEntry) error
	SaveEvent(ctx context.Context, evt Event) error
}

// HistoryLedger records the audit trail and completion summaries.
type HistoryLedger struct {
	mu        sync.RWMutex
	maxEvents int
	events    []Event
	entries   []HistoryEntry
	recorded  map[string]bool
	sink      Sink
}

// NewHistoryLedger creates a ledger bounded to maxEvents audit events.
// sink may be nil for pure in-memory operation.
func NewHistoryLedger(maxEvents int, sink Sink) *HistoryLedger {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxAuditEvents
	}
	return &HistoryLedger{
		maxEvents: maxEvents,
		recorded:  make(map[string]bool),
		sink:      sink,
	}
}

// LogEvent appends an event to the audit buffer, evicting the oldest
// entries past the cap.
func (l *HistoryLedger) LogEvent(evt Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.SaveEvent(context.Background(), evt); err != nil {
			slog.Warn("history sink rejected event", "event_type", string(evt.Type), "error", err)
		}
	}
}

// RecordCompletion writes the finalized summary for a terminal operation.
// A second call for the same operation is a no-op, keeping the
// one-entry-per-operation guarantee.
func (l *HistoryLedger) RecordCompletion(op Operation) {
	if !op.Status.Terminal() {
		return
	}

	l.mu.Lock()
	if l.recorded[op.ID] {
		l.mu.Unlock()
		return
	}
	l.recorded[op.ID] = true

	entry := HistoryEntry{
		ID:              uuid.New().String(),
		OperationID:     op.ID,
		Kind:            op.Kind,
		Status:          op.Status,
		TotalItems:      op.TotalItems,
		ProcessedItems:  op.ProcessedItems,
		SuccessItems:    op.SuccessItems,
		FailedItems:     op.FailedItems,
		Errors:          append([]OperationError(nil), op.Errors...),
		Warnings:        append([]OperationWarning(nil), op.Warnings...),
		CreatedBy:       op.CreatedBy,
		CreatedAt:       op.CreatedAt,
		StartedAt:       op.StartedAt,
		EndedAt:         op.EndedAt,
		Duration:        op.Duration,
		ItemsPerSecond:  op.ItemsPerSecond,
		ProgressPercent: op.ProgressPercent,
	}
	l.entries = append(l.entries, entry)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.SaveEntry(context.Background(), entry); err != nil {
			slog.Warn("history sink rejected entry", "operation_id", op.ID, "error", err)
		}
	}
}

// History returns finalized entries matching the filter, newest first.
func (l *HistoryLedger) History(filter HistoryFilter) []HistoryEntry {
	l.mu.RLock()
	matched := l.filteredLocked(filter)
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].EndedAt.After(matched[j].EndedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// AuditLogs returns an operation's audit events matching the filter,
// oldest first.
func (l *HistoryLedger) AuditLogs(operationID string, filter AuditFilter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, evt := range l.events {
		if evt.OperationID != operationID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, evt.Type) {
			continue
		}
		if !filter.From.IsZero() && evt.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && evt.Timestamp.After(filter.To) {
			continue
		}
		out = append(out, evt)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Timeline interleaves an operation's creation event, audit events and
// completion summary into one chronological sequence.
func (l *HistoryLedger) Timeline(operationID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, evt := range l.events {
		if evt.OperationID == operationID {
			out = append(out, evt)
		}
	}
	for _, entry := range l.entries {
		if entry.OperationID != operationID {
			continue
		}
		// Events past the eviction horizon are reconstructed from the
		// summary so the timeline always closes with the terminal state.
		if !timelineHasTerminal(out) {
			out = append(out, Event{
				ID:          entry.ID,
				Type:        terminalEventType(entry.Status),
				OperationID: operationID,
				Timestamp:   entry.EndedAt,
				Data: map[string]any{
					"status":         string(entry.Status),
					"processedItems": entry.ProcessedItems,
					"successItems":   entry.SuccessItems,
					"failedItems":    entry.FailedItems,
				},
			})
		}
		break
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Statistics scans the filtered history set and rolls it up.
func (l *HistoryLedger) Statistics(filter HistoryFilter) Statistics {
	l.mu.RLock()
	matched := l.filteredLocked(filter)
	l.mu.RUnlock()

	stats := Statistics{
		ByKind:   make(map[OperationKind]int),
		ByStatus: make(map[OperationStatus]int),
	}
	if len(matched) == 0 {
		return stats
	}

	var (
		totalDuration time.Duration
		processed     int
		withErrors    int
		earliest      time.Time
		latest        time.Time
		errorCounts   = make(map[string]int)
	)
	for _, e := range matched {
		stats.TotalOperations++
		stats.ByKind[e.Kind]++
		stats.ByStatus[e.Status]++
		totalDuration += e.Duration
		processed += e.ProcessedItems
		if len(e.Errors) > 0 || e.Status == StatusFailed {
			withErrors++
		}
		for _, opErr := range e.Errors {
			errorCounts[opErr.Message]++
		}
		if earliest.IsZero() || e.StartedAt.Before(earliest) {
			earliest = e.StartedAt
		}
		if e.EndedAt.After(latest) {
			latest = e.EndedAt
		}
	}

	total := float64(stats.TotalOperations)
	stats.SuccessRate = float64(stats.ByStatus[StatusCompleted]) / total * 100
	stats.ErrorRate = float64(withErrors) / total * 100
	stats.AverageDuration = totalDuration / time.Duration(stats.TotalOperations)

	span := latest.Sub(earliest)
	if span <= 0 {
		span = totalDuration
	}
	if span > 0 {
		stats.ThroughputPerHour = float64(processed) / span.Hours()
	}

	stats.TopErrors = topErrors(errorCounts, 5)
	return stats
}

// filteredLocked returns copies of entries matching the filter.
// Caller holds at least the read lock.
func (l *HistoryLedger) filteredLocked(filter HistoryFilter) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range l.entries {
		if filter.OperationID != "" && e.OperationID != filter.OperationID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && e.CreatedBy != filter.CreatedBy {
			continue
		}
		if !filter.From.IsZero() && e.EndedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.EndedAt.After(filter.To) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EventCount returns the size of the audit buffer.
func (l *HistoryLedger) EventCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func timelineHasTerminal(events []Event) bool {
	for _, evt := range events {
		switch evt.Type {
		case EventOperationCompleted, EventOperationFailed, EventOperationCancelled:
			return true
		}
	}
	return false
}

func terminalEventType(status OperationStatus) EventType {
	switch status {
	case StatusFailed:
		return EventOperationFailed
	case StatusCancelled:
		return EventOperationCancelled
	default:
		return EventOperationCompleted
	}
}

// topErrors returns the n most frequent error messages, most frequent
// first, ties broken alphabetically for stable output.
func topErrors(counts map[string]int, n int) []ErrorFrequency {
	out := make([]ErrorFrequency, 0, len(counts))
	for msg, count := range counts {
		out = append(out, ErrorFrequency{Message: msg, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
