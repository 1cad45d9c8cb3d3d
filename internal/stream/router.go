// Package stream runs client sessions: it validates connection parameters,
// seeds each session from a backfill read and forwards live changes until the
// client leaves or the session fails.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"crypto-stats-stream/internal/dataset"
	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/storage"
)

// DefaultBackfillTimeout bounds an initial read when none is configured.
const DefaultBackfillTimeout = 10 * time.Second

// DefaultSubscribeTimeout bounds attaching to a change feed when none is configured.
const DefaultSubscribeTimeout = 10 * time.Second

// Emitter delivers labelled events to one client. Emit must not retain data
// after it returns. An error wrapping ErrClientTooSlow means the client is
// still connected but fell behind.
type Emitter interface {
	Emit(event string, data any) error
}

// FinalEmitter is implemented by emitters that can wait for queued events to
// drain before delivering a session's last event.
type FinalEmitter interface {
	EmitFinal(event string, data any) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Reader          storage.BackfillReader
	Feed            storage.ChangeFeed
	Tickers         dataset.TickerPolicy
	Logger          *zap.Logger
	Now             func() time.Time
	BackfillTimeout time.Duration
	// SubscribeTimeout bounds Feed.Subscribe. The subscription itself outlives it.
	SubscribeTimeout time.Duration
}

// Router dispatches a connection to its family's session coordinator.
type Router struct {
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	active map[domain.Family]int
}

// NewRouter creates a Router.
func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.BackfillTimeout <= 0 {
		deps.BackfillTimeout = DefaultBackfillTimeout
	}
	if deps.SubscribeTimeout <= 0 {
		deps.SubscribeTimeout = DefaultSubscribeTimeout
	}
	return &Router{
		deps:   deps,
		logger: deps.Logger.Named("session"),
		active: make(map[domain.Family]int),
	}
}

// Active returns the number of running sessions per family.
func (r *Router) Active() map[domain.Family]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.Family]int, len(domain.Families))
	for _, f := range domain.Families {
		out[f] = r.active[f]
	}
	return out
}

// Serve runs one session until ctx is canceled, the client goes away or the
// session fails. Every failure is reported to the client as a single errorMsg
// event before Serve returns it; a canceled ctx or a departed client returns nil.
func (r *Router) Serve(ctx context.Context, f domain.Family, query url.Values, em Emitter) error {
	if !f.Valid() {
		return fmt.Errorf("unknown family %q", f)
	}

	params, err := dataset.ParseParams(f, query, r.deps.Tickers)
	if err != nil {
		r.logger.Info("rejected session",
			zap.String("family", f.String()),
			zap.String("query", query.Encode()),
			zap.Error(err))
		observability.RecordRejected(f.String())
		r.fail(em, err)
		return err
	}

	s := newSession(f, params.Ticker, r.logger)
	r.track(f, 1)
	observability.SessionStarted(f.String())
	s.logger.Info("session started",
		zap.Int("frequency", params.GranularityMinutes),
		zap.Int("backfill", params.BackfillMinutes))

	if f == domain.FamilyPrice {
		err = r.runPrice(ctx, s, em)
	} else {
		err = r.runStats(ctx, s, em, params)
	}
	s.Release()
	r.track(f, -1)

	switch {
	case err == nil || ctx.Err() != nil:
		observability.SessionEnded(f.String(), observability.OutcomeClosed)
		s.logger.Info("session closed", zap.String("dataset", s.Dataset.Name))
		return nil
	case errors.Is(err, errDisconnected):
		observability.SessionEnded(f.String(), observability.OutcomeClosed)
		s.logger.Info("client went away", zap.Error(err))
		return nil
	default:
		observability.SessionEnded(f.String(), observability.OutcomeFailed)
		if errors.Is(err, storage.ErrSlowSubscriber) || errors.Is(err, ErrClientTooSlow) {
			observability.RecordSlowSubscriber(f.String())
		}
		s.logger.Error("session failed", zap.String("dataset", s.Dataset.Name), zap.Error(err))
		r.fail(em, err)
		return err
	}
}

func (r *Router) track(f domain.Family, delta int) {
	r.mu.Lock()
	r.active[f] += delta
	r.mu.Unlock()
}

// fail sends the diagnostic for err. Delivery errors are ignored; the
// connection is closing either way.
func (r *Router) fail(em Emitter, err error) {
	msg := domain.ErrorMessage{Message: Diagnostic(err)}
	if fe, ok := em.(FinalEmitter); ok {
		_ = fe.EmitFinal(domain.EventErrorMsg, msg)
		return
	}
	_ = em.Emit(domain.EventErrorMsg, msg)
}

// subscribe attaches to the live feed for ds, waiting at most SubscribeTimeout.
func (r *Router) subscribe(ctx context.Context, ds domain.Dataset, filter storage.ChangeFilter) (storage.Subscription, error) {
	sctx, cancel := context.WithTimeout(ctx, r.deps.SubscribeTimeout)
	defer cancel()

	sub, err := r.deps.Feed.Subscribe(sctx, ds, filter)
	if err != nil {
		return nil, subscriptionError(err)
	}
	return sub, nil
}

// emit delivers one event unless the session is being torn down.
func (r *Router) emit(ctx context.Context, s *Session, em Emitter, event string, data any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := em.Emit(event, data); err != nil {
		if errors.Is(err, ErrClientTooSlow) {
			return fmt.Errorf("deliver %s: %w", event, err)
		}
		return disconnected(err)
	}
	observability.RecordDelivered(s.Family.String(), event)
	return nil
}

// forward consumes the subscription in order, passing each change to handle.
func (r *Router) forward(ctx context.Context, s *Session, sub storage.Subscription, handle func(domain.RawChange) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return subscriptionError(err)
				}
				return subscriptionError(storage.ErrSubscriptionClosed)
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := handle(c); err != nil {
				return err
			}
		}
	}
}

// skipMalformed logs and counts a live change that could not be projected.
func (r *Router) skipMalformed(s *Session, c domain.RawChange, err error) {
	observability.RecordMalformed(s.Family.String())
	fields := []zap.Field{zap.String("op", string(c.Op)), zap.Error(err)}
	if c.Record != nil {
		fields = append(fields, zap.Int64("timestamp", c.Record.Timestamp))
	}
	s.logger.Warn("skipping malformed change", fields...)
}

func (r *Router) backfillContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.deps.BackfillTimeout)
}
