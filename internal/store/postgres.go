// Package store provides persistence for the engine: a PostgreSQL-backed
// history sink for durable audit trails, and an in-memory data source that
// backs operations when no external system is wired in.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

// PostgresSink persists history entries and audit events. It implements
// engine.Sink; the engine treats writes as best-effort, so a failing sink
// degrades to in-memory history without affecting operations.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a sink backed by the given connection pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// EnsureSchema creates the history tables if they do not exist.
// Called once at startup; safe to call repeatedly.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS operation_history (
			id UUID PRIMARY KEY,
			operation_id UUID NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			total_items INT NOT NULL,
			processed_items INT NOT NULL,
			success_items INT NOT NULL,
			failed_items INT NOT NULL,
			errors JSONB,
			warnings JSONB,
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL,
			items_per_second DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_history_operation_id
			ON operation_history (operation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_history_ended_at
			ON operation_history (ended_at DESC)`,
		`CREATE TABLE IF NOT EXISTS operation_events (
			id UUID PRIMARY KEY,
			event_type TEXT NOT NULL,
			operation_id UUID,
			occurred_at TIMESTAMPTZ NOT NULL,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operation_events_operation_id
			ON operation_events (operation_id, occurred_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveEntry writes one finalized operation summary.
func (s *PostgresSink) SaveEntry(ctx context.Context, entry engine.HistoryEntry) error {
	errorsJSON, err := json.Marshal(entry.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	warningsJSON, err := json.Marshal(entry.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO operation_history (
			id, operation_id, kind, status,
			total_items, processed_items, success_items, failed_items,
			errors, warnings, created_by,
			created_at, started_at, ended_at, duration_ms, items_per_second
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.OperationID, string(entry.Kind), string(entry.Status),
		entry.TotalItems, entry.ProcessedItems, entry.SuccessItems, entry.FailedItems,
		errorsJSON, warningsJSON, nullable(entry.CreatedBy),
		entry.CreatedAt, nullableTime(entry.StartedAt), nullableTime(entry.EndedAt),
		entry.Duration.Milliseconds(), entry.ItemsPerSecond,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// SaveEvent writes one audit event.
func (s *PostgresSink) SaveEvent(ctx context.Context, evt engine.Event) error {
	var dataJSON []byte
	if evt.Data != nil {
		var err error
		dataJSON, err = json.Marshal(evt.Data)
		if err != nil {
			dataJSON = nil
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO operation_events (id, event_type, operation_id, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID, string(evt.Type), nullable(evt.OperationID), evt.Timestamp, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEntries returns the newest persisted summaries, most recent first.
// Used by the archive endpoint to serve history past the in-memory horizon.
func (s *PostgresSink) RecentEntries(ctx context.Context, limit int) ([]engine.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, operation_id, kind, status,
			total_items, processed_items, success_items, failed_items,
			errors, warnings, COALESCE(created_by, ''),
			created_at, started_at, ended_at, duration_ms, items_per_second
		FROM operation_history
		ORDER BY ended_at DESC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []engine.HistoryEntry
	for rows.Next() {
		var (
			entry        engine.HistoryEntry
			kind, status string
			errorsJSON   []byte
			warningsJSON []byte
			startedAt    *time.Time
			endedAt      *time.Time
			durationMs   int64
		)
		if err := rows.Scan(
			&entry.ID, &entry.OperationID, &kind, &status,
			&entry.TotalItems, &entry.ProcessedItems, &entry.SuccessItems, &entry.FailedItems,
			&errorsJSON, &warningsJSON, &entry.CreatedBy,
			&entry.CreatedAt, &startedAt, &endedAt, &durationMs, &entry.ItemsPerSecond,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Kind = engine.OperationKind(kind)
		entry.Status = engine.OperationStatus(status)
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		if startedAt != nil {
			entry.StartedAt = *startedAt
		}
		if endedAt != nil {
			entry.EndedAt = *endedAt
		}
		if len(errorsJSON) > 0 {
			json.Unmarshal(errorsJSON, &entry.Errors)
		}
		if len(warningsJSON) > 0 {
			json.Unmarshal(warningsJSON, &entry.Warnings)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PurgeOlderThan deletes persisted events past the retention horizon.
// Returns the number of rows removed.
func (s *PostgresSink) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM operation_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
