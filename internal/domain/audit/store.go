package audit

import "context"

// Store persists audit records.
// Implementations handle batching; callers must treat Append as best-effort.
type Store interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...Record) error

	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)

	// Close releases resources. Safe to call more than once.
	Close() error
}
