package engine

import "context"

// BatchResult is what an injected data-access call reports for one batch.
type BatchResult struct {
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	Errors       []string `json:"errors,omitempty"`
}

// DataSource is the injected collaborator that performs the actual record
// mutations and fetches. The engine never touches storage or transports
// directly; it partitions work into batches and drives these calls.
//
// Fetch-style calls receive the operation's query with Offset/Limit set to
// the current batch window. Apply-style calls receive the batch's records.
type DataSource interface {
	FetchForExport(ctx context.Context, query Query) (BatchResult, error)
	FetchForUpdate(ctx context.Context, query Query) (BatchResult, error)
	FetchForDelete(ctx context.Context, query Query) (BatchResult, error)
	ApplyImportBatch(ctx context.Context, records []Record) (BatchResult, error)
	ApplyUpdateBatch(ctx context.Context, records []Record) (BatchResult, error)
	ApplyDeleteBatch(ctx context.Context, records []Record) (BatchResult, error)
}
