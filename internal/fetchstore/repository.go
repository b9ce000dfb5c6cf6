package fetchstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id or url finds nothing.
var ErrNotFound = errors.New("fetchstore: record not found")

// Repository is the persistence interface the control plane depends
// on. Concrete adapters (internal/fetchstore/postgres,
// internal/fetchstore/memory) implement it against a real or
// in-process document store.
type Repository interface {
	// Create inserts a new record with store-managed timestamps,
	// copying the supplied fields. partial.ID is kept when set;
	// otherwise the adapter generates an id.
	Create(ctx context.Context, partial Record) (Record, error)

	// FindByID returns the record with the given id.
	FindByID(ctx context.Context, id string) (Record, error)

	// FindByURL matches against the raw URL, its canonical form, and
	// legacy un-normalized variants (bare-host, http-, https-prefixed),
	// returning the most recently created match.
	FindByURL(ctx context.Context, rawURL string) (Record, error)

	// FindLatestSuccessByURL returns the newest SUCCESS record for the
	// given URL (across its variant forms), if any.
	FindLatestSuccessByURL(ctx context.Context, rawURL string) (Record, error)

	// FindAll returns records sorted by createdAt desc, filtered and
	// paginated.
	FindAll(ctx context.Context, filter Filter, limit, offset int) ([]Record, error)

	// Update applies a partial mutation and returns the resulting
	// record.
	Update(ctx context.Context, id string, partial Update) (Record, error)

	// GetRecentByURL returns a record iff a direct or redirect-chain
	// match exists for rawURL within the given window, per the
	// three-way disjunction in the specification: a fresh SUCCESS, an
	// in-flight PENDING/PROCESSING record, or a fresh SUCCESS reached
	// via a redirect chain containing rawURL.
	GetRecentByURL(ctx context.Context, rawURL string, window time.Duration) (Record, bool, error)

	// FindStalePending returns PENDING records created before
	// now-timeout.
	FindStalePending(ctx context.Context, timeout time.Duration) ([]Record, error)

	// GetHistory returns every record for a URL (across its variant
	// forms), sorted by fetchedAt desc.
	GetHistory(ctx context.Context, rawURL string) ([]Record, error)
}
