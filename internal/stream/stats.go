package stream

import (
	"context"
	"time"

	"crypto-stats-stream/internal/dataset"
	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/projection"
	"crypto-stats-stream/internal/storage"
)

// runStats serves the stats and moving-stats families: one init snapshot of
// every bucket at or after the cutoff, then every change passed through with
// its operation kind.
func (r *Router) runStats(ctx context.Context, s *Session, em Emitter, p dataset.Params) error {
	ds, err := dataset.Resolve(s.Family, p.GranularityMinutes)
	if err != nil {
		return err
	}
	s.Dataset = ds
	s.GranularityMinutes = p.GranularityMinutes
	s.BackfillWindowMinutes = p.BackfillMinutes
	s.CutoffTimestamp = r.deps.Now().Add(-time.Duration(p.BackfillMinutes) * time.Minute).UnixMilli()

	// Subscribe first so nothing committed during the backfill read is missed.
	sub, err := r.subscribe(ctx, ds, storage.ChangeFilter{
		Ticker:       s.Ticker,
		MinTimestamp: s.CutoffTimestamp,
		Ops:          domain.AllOps,
	})
	if err != nil {
		return err
	}
	s.attach(sub)

	snapshot, err := r.seedStats(ctx, s)
	if err != nil {
		return err
	}
	if err := r.emit(ctx, s, em, domain.EventInit, snapshot); err != nil {
		return err
	}

	return r.forward(ctx, s, sub, func(c domain.RawChange) error {
		pc, err := projection.ProjectChange(s.Family, c)
		if err != nil {
			r.skipMalformed(s, c, err)
			return nil
		}
		return r.emit(ctx, s, em, string(pc.Op), pc.Payload)
	})
}

// seedStats reads and projects the backfill window. Any malformed row fails the session.
func (r *Router) seedStats(ctx context.Context, s *Session) ([]any, error) {
	bctx, cancel := r.backfillContext(ctx)
	defer cancel()

	start := r.deps.Now()
	recs, err := r.deps.Reader.Since(bctx, s.Dataset, s.Ticker, s.CutoffTimestamp)
	if err != nil {
		return nil, backfillError(err)
	}
	observability.RecordBackfill(s.Family.String(), r.deps.Now().Sub(start), len(recs))

	snapshot := make([]any, 0, len(recs))
	for _, raw := range recs {
		rec, err := projection.Record(s.Family, raw)
		if err != nil {
			return nil, backfillError(err)
		}
		snapshot = append(snapshot, rec)
	}
	return snapshot, nil
}
