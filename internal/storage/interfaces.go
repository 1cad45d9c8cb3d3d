package storage

import (
	"context"

	"crypto-stats-stream/internal/domain"
)

// BackfillReader executes bounded point-in-time reads against a dataset.
type BackfillReader interface {
	// Latest returns the most recent row for ticker. Returns ErrNotFound if the dataset has none.
	Latest(ctx context.Context, ds domain.Dataset, ticker string) (*domain.RawRecord, error)

	// Since returns all rows for ticker with timestamp >= cutoff, ordered by timestamp ASC.
	Since(ctx context.Context, ds domain.Dataset, ticker string, cutoff int64) ([]*domain.RawRecord, error)
}

// ChangeFeed opens live subscriptions on a dataset's change log.
type ChangeFeed interface {
	// Subscribe starts delivering changes matching filter. Changes committed after
	// Subscribe returns are guaranteed to be observed.
	Subscribe(ctx context.Context, ds domain.Dataset, filter ChangeFilter) (Subscription, error)
}

// Subscription is a cancelable, unbounded sequence of change events.
type Subscription interface {
	// Events yields matching changes. The channel is closed when the
	// subscription ends, either by Close or by a feed failure.
	Events() <-chan domain.RawChange

	// Err returns the failure that ended the subscription, or nil if it was
	// closed by its owner or is still running.
	Err() error

	// Close cancels the subscription. It is safe to call more than once.
	Close() error
}

// Writer applies changes to a dataset. Upstream aggregation jobs own writes;
// the stream server only uses it in tests and tooling.
type Writer interface {
	// Insert adds a new bucket.
	Insert(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error

	// Update modifies the fields present in r on an existing bucket.
	Update(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error

	// Replace overwrites an existing bucket with r.
	Replace(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error

	// Delete removes a bucket. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, ds domain.Dataset, ticker string, timestamp int64) error
}

// Store is a backend that serves both collaborator roles.
type Store interface {
	BackfillReader
	ChangeFeed
}
