package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/domain"
)

// BreakerSettings configures the circuit breaker guarding backfill reads.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerSettings returns the breaker configuration used when none is set.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// BreakerReader wraps a BackfillReader with a circuit breaker so a failing
// database fails new sessions fast instead of stacking up timeouts.
type BreakerReader struct {
	inner BackfillReader
	cb    *gobreaker.CircuitBreaker
}

var _ BackfillReader = (*BreakerReader)(nil)

// NewBreakerReader wraps inner. State changes are logged on logger.
func NewBreakerReader(inner BackfillReader, settings BreakerSettings, logger *zap.Logger) *BreakerReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backfill-reader",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Caller cancellations and empty results say nothing about database health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrUnknownDataset) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &BreakerReader{inner: inner, cb: cb}
}

// State returns the breaker state name.
func (r *BreakerReader) State() string {
	return r.cb.State().String()
}

// Latest implements BackfillReader.
func (r *BreakerReader) Latest(ctx context.Context, ds domain.Dataset, ticker string) (*domain.RawRecord, error) {
	out, err := r.cb.Execute(func() (interface{}, error) {
		return r.inner.Latest(ctx, ds, ticker)
	})
	if err != nil {
		return nil, err
	}
	rec, _ := out.(*domain.RawRecord)
	return rec, nil
}

// Since implements BackfillReader.
func (r *BreakerReader) Since(ctx context.Context, ds domain.Dataset, ticker string, cutoff int64) ([]*domain.RawRecord, error) {
	out, err := r.cb.Execute(func() (interface{}, error) {
		return r.inner.Since(ctx, ds, ticker, cutoff)
	})
	if err != nil {
		return nil, err
	}
	recs, _ := out.([]*domain.RawRecord)
	return recs, nil
}
