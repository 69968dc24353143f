package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

// MemorySource is a thread-safe in-memory record table implementing
// engine.DataSource. It is the default collaborator when no external
// system is configured, and the workhorse of the test suites.
//
// Records are keyed by their "id" field. Imports reject duplicate ids,
// updates and deletes reject unknown ids; rejected records are reported
// as item-level failures, never as batch errors.
type MemorySource struct {
	mu      sync.RWMutex
	records map[string]engine.Record
	order   []string
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[string]engine.Record)}
}

// recordID extracts the record's "id" field as a string.
func recordID(rec engine.Record) (string, bool) {
	v, ok := rec["id"]
	if !ok || v == nil {
		return "", false
	}
	id := fmt.Sprint(v)
	return id, id != ""
}

// ApplyImportBatch inserts records, counting duplicates and id-less
// records as failures.
func (s *MemorySource) ApplyImportBatch(_ context.Context, records []engine.Record) (engine.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result engine.BatchResult
	for _, rec := range records {
		id, ok := recordID(rec)
		if !ok {
			result.FailureCount++
			result.Errors = append(result.Errors, "record is missing an id")
			continue
		}
		if _, exists := s.records[id]; exists {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Sprintf("record %s already exists", id))
			continue
		}
		s.records[id] = cloneRecord(rec)
		s.order = append(s.order, id)
		result.SuccessCount++
	}
	return result, nil
}

// ApplyUpdateBatch merges each record's fields into the stored record.
func (s *MemorySource) ApplyUpdateBatch(_ context.Context, records []engine.Record) (engine.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result engine.BatchResult
	for _, rec := range records {
		id, ok := recordID(rec)
		if !ok {
			result.FailureCount++
			result.Errors = append(result.Errors, "record is missing an id")
			continue
		}
		existing, exists := s.records[id]
		if !exists {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Sprintf("record %s not found", id))
			continue
		}
		for k, v := range rec {
			existing[k] = v
		}
		result.SuccessCount++
	}
	return result, nil
}

// ApplyDeleteBatch removes records by id.
func (s *MemorySource) ApplyDeleteBatch(_ context.Context, records []engine.Record) (engine.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result engine.BatchResult
	for _, rec := range records {
		id, ok := recordID(rec)
		if !ok {
			result.FailureCount++
			result.Errors = append(result.Errors, "record is missing an id")
			continue
		}
		if _, exists := s.records[id]; !exists {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Sprintf("record %s not found", id))
			continue
		}
		delete(s.records, id)
		result.SuccessCount++
	}
	return result, nil
}

// FetchForExport returns the size of the batch window that intersects the
// stored record set, applying the query's equality params as a filter.
func (s *MemorySource) FetchForExport(_ context.Context, query engine.Query) (engine.BatchResult, error) {
	matched := s.matching(query)
	return engine.BatchResult{SuccessCount: window(len(matched), query.Offset, query.Limit)}, nil
}

// FetchForUpdate behaves like FetchForExport; the engine only needs the
// per-window item counts for progress accounting.
func (s *MemorySource) FetchForUpdate(_ context.Context, query engine.Query) (engine.BatchResult, error) {
	matched := s.matching(query)
	return engine.BatchResult{SuccessCount: window(len(matched), query.Offset, query.Limit)}, nil
}

// FetchForDelete removes the batch window of matching records.
func (s *MemorySource) FetchForDelete(_ context.Context, query engine.Query) (engine.BatchResult, error) {
	matched := s.matching(query)
	start, end := bounds(len(matched), query.Offset, query.Limit)

	s.mu.Lock()
	for _, id := range matched[start:end] {
		delete(s.records, id)
	}
	s.mu.Unlock()

	return engine.BatchResult{SuccessCount: end - start}, nil
}

// Snapshot returns copies of all stored records in insertion order.
func (s *MemorySource) Snapshot() []engine.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]engine.Record, 0, len(s.records))
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// Get returns a copy of one record by id.
func (s *MemorySource) Get(id string) (engine.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Len returns the number of stored records.
func (s *MemorySource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// matching returns the ids of records matching the query's equality
// params, in stable id order.
func (s *MemorySource) matching(query engine.Query) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.records {
		match := true
		for k, want := range query.Params {
			if fmt.Sprint(rec[k]) != want {
				match = false
				break
			}
		}
		if match {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func cloneRecord(rec engine.Record) engine.Record {
	out := make(engine.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func bounds(total, offset, limit int) (int, int) {
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return offset, end
}

func window(total, offset, limit int) int {
	start, end := bounds(total, offset, limit)
	return end - start
}
