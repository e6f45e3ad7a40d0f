package audit

import "context"

// Store persists audit entries. Interface owned by the domain; adapters
// live in internal/adapter/outbound/audit.
type Store interface {
	// Append durably records one entry as a single atomic write.
	Append(ctx context.Context, entry Entry) error
	// Read returns entries newest first, paged by opts. Unreadable
	// records are skipped.
	Read(ctx context.Context, opts ReadOptions) ([]Entry, error)
	// Stats aggregates all readable entries.
	Stats(ctx context.Context) (Stats, error)
	// Close releases resources.
	Close() error
}
