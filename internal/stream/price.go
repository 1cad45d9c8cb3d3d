package stream

import (
	"context"
	"errors"

	"crypto-stats-stream/internal/dataset"
	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/projection"
	"crypto-stats-stream/internal/storage"
)

// LatestTracker enforces price ordering by bucket timestamp. A change is
// delivered if it is newer than the latest seen; a replace of the latest
// bucket is delivered as a correction without advancing.
type LatestTracker struct {
	latest int64
}

// Seed sets the latest timestamp from the initial read.
func (t *LatestTracker) Seed(ts int64) {
	t.latest = ts
}

// Latest returns the newest timestamp delivered so far.
func (t *LatestTracker) Latest() int64 {
	return t.latest
}

// Accept reports whether a change at ts with op should be delivered.
func (t *LatestTracker) Accept(ts int64, op domain.OpKind) bool {
	switch {
	case ts > t.latest:
		t.latest = ts
		return true
	case ts == t.latest && op == domain.OpReplace:
		return true
	default:
		return false
	}
}

// runPrice seeds the session with the current price and forwards every newer one.
func (r *Router) runPrice(ctx context.Context, s *Session, em Emitter) error {
	ds, err := dataset.Resolve(domain.FamilyPrice, 0)
	if err != nil {
		return err
	}
	s.Dataset = ds

	sub, err := r.subscribe(ctx, ds, storage.ChangeFilter{
		Ticker: s.Ticker,
		Ops:    domain.PriceOps,
	})
	if err != nil {
		return err
	}
	s.attach(sub)

	var tracker LatestTracker
	seed, err := r.seedPrice(ctx, s)
	if err != nil {
		return err
	}
	if seed != nil {
		tracker.Seed(seed.Timestamp)
		s.CutoffTimestamp = seed.Timestamp
		if err := r.emit(ctx, s, em, domain.EventUpdate, *seed); err != nil {
			return err
		}
	} else {
		s.logger.Info("no current price, waiting for first change")
	}

	return r.forward(ctx, s, sub, func(c domain.RawChange) error {
		// Project before ordering so a malformed row never advances the latest timestamp.
		point, err := projection.Price(c.Record)
		if err != nil {
			r.skipMalformed(s, c, err)
			return nil
		}
		if !tracker.Accept(point.Timestamp, c.Op) {
			observability.RecordStalePrice()
			return nil
		}
		s.CutoffTimestamp = tracker.Latest()

		return r.emit(ctx, s, em, domain.EventUpdate, point)
	})
}

// seedPrice reads the latest bucket. A nil point means the dataset is empty.
func (r *Router) seedPrice(ctx context.Context, s *Session) (*domain.TickPoint, error) {
	bctx, cancel := r.backfillContext(ctx)
	defer cancel()

	start := r.deps.Now()
	rec, err := r.deps.Reader.Latest(bctx, s.Dataset, s.Ticker)
	if errors.Is(err, storage.ErrNotFound) {
		observability.RecordBackfill(s.Family.String(), r.deps.Now().Sub(start), 0)
		return nil, nil
	}
	if err != nil {
		return nil, backfillError(err)
	}
	observability.RecordBackfill(s.Family.String(), r.deps.Now().Sub(start), 1)

	point, err := projection.Price(rec)
	if err != nil {
		return nil, backfillError(err)
	}
	return &point, nil
}
