package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-stream/internal/dataset"
	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/storage"
)

func TestServe_InvalidFrequencyRejectedBeforeIO(t *testing.T) {
	store := newStore()
	reader := &countingReader{inner: store}

	for _, tc := range []struct {
		family domain.Family
		freq   string
	}{
		{domain.FamilyStats, "7"},
		{domain.FamilyStats, "0"},
		{domain.FamilyMovingStats, "1"},
		{domain.FamilyMovingStats, "60"},
	} {
		t.Run(fmt.Sprintf("%s/%s", tc.family, tc.freq), func(t *testing.T) {
			em := &recorder{}
			err := newTestRouter(reader, store).Serve(context.Background(), tc.family, query("frequency", tc.freq), em)
			require.ErrorIs(t, err, dataset.ErrInvalidParameter)

			events := em.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, domain.EventErrorMsg, events[0].Name)
			assert.Equal(t, "Invalid minutes parameter", events[0].Data.(domain.ErrorMessage).Message)
		})
	}

	assert.Equal(t, 0, reader.Calls())
	assert.Equal(t, 0, store.SubscriberCount("STATS_1M"))
}

func TestServe_UnknownTickerRejected(t *testing.T) {
	store := newStore()
	reader := &countingReader{inner: store}
	em := &recorder{}

	err := newTestRouter(reader, store).Serve(context.Background(), domain.FamilyPrice, query("ticker", "DOGE-USD"), em)
	require.ErrorIs(t, err, dataset.ErrInvalidParameter)

	events := em.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "Invalid ticker parameter", events[0].Data.(domain.ErrorMessage).Message)
	assert.Equal(t, 0, reader.Calls())
}

func TestServe_BackfillErrorNoPartialSnapshot(t *testing.T) {
	store := newStore()
	reader := &countingReader{inner: store, err: errDBDown}

	for _, f := range domain.Families {
		t.Run(f.String(), func(t *testing.T) {
			em := &recorder{}
			err := newTestRouter(reader, store).Serve(context.Background(), f, nil, em)
			require.ErrorIs(t, err, ErrBackfill)
			require.ErrorIs(t, err, errDBDown)

			events := em.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, domain.EventErrorMsg, events[0].Name)
			assert.Equal(t, "Error retrieving initial documents: db down", events[0].Data.(domain.ErrorMessage).Message)
		})
	}

	assert.Equal(t, 0, store.SubscriberCount("STATS_1M"))
	assert.Equal(t, 0, store.SubscriberCount("MOVING_5M_AVG"))
}

func TestServe_BackfillTimeout(t *testing.T) {
	store := newStore()
	reader := &countingReader{inner: store, block: true}
	r := NewRouter(Deps{
		Reader:          reader,
		Feed:            store,
		Tickers:         dataset.TickerPolicy{Default: "BTC-USD"},
		BackfillTimeout: 50 * time.Millisecond,
	})

	em := &recorder{}
	err := r.Serve(context.Background(), domain.FamilyStats, nil, em)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	events := em.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "Error retrieving initial documents: context deadline exceeded",
		events[0].Data.(domain.ErrorMessage).Message)
}

type failingFeed struct{ err error }

func (f failingFeed) Subscribe(context.Context, domain.Dataset, storage.ChangeFilter) (storage.Subscription, error) {
	return nil, f.err
}

func TestServe_SubscribeErrorIsFatal(t *testing.T) {
	store := newStore()
	em := &recorder{}

	err := newTestRouter(store, failingFeed{err: errors.New("no replica set")}).
		Serve(context.Background(), domain.FamilyMovingStats, nil, em)
	require.ErrorIs(t, err, ErrSubscription)

	events := em.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "Change Stream error: no replica set", events[0].Data.(domain.ErrorMessage).Message)
}

// hangingFeed blocks Subscribe until its context ends, like a feed whose
// upstream connect never completes.
type hangingFeed struct{}

func (hangingFeed) Subscribe(ctx context.Context, ds domain.Dataset, _ storage.ChangeFilter) (storage.Subscription, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("open change feed %s: %w", ds.Name, ctx.Err())
}

func TestServe_SubscribeTimeoutEndsSession(t *testing.T) {
	store := newStore()
	r := NewRouter(Deps{
		Reader:           store,
		Feed:             hangingFeed{},
		Tickers:          dataset.TickerPolicy{Default: "BTC-USD"},
		Now:              func() time.Time { return now },
		SubscribeTimeout: 100 * time.Millisecond,
	})

	for _, f := range domain.Families {
		em := &recorder{}
		done := make(chan error, 1)
		go func() { done <- r.Serve(context.Background(), f, nil, em) }()

		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrSubscription)
			require.ErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s session stuck in Subscribe", f)
		}

		events := em.snapshot()
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventErrorMsg, events[0].Name)
		assert.Contains(t, events[0].Data.(domain.ErrorMessage).Message, "Change Stream error: ")
	}
	assert.Equal(t, 0, r.Active()[domain.FamilyStats])
}

// slowClient accepts limit events, then reports the client as too slow.
// Final events are always recorded.
type slowClient struct {
	recorder
	limit int
	final []event
}

func (c *slowClient) Emit(name string, data any) error {
	c.mu.Lock()
	full := len(c.events) >= c.limit
	c.mu.Unlock()
	if full {
		return fmt.Errorf("send buffer full: %w", ErrClientTooSlow)
	}
	return c.recorder.Emit(name, data)
}

func (c *slowClient) EmitFinal(name string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.final = append(c.final, event{Name: name, Data: data})
	return nil
}

func TestServe_ClientTooSlowFailsSession(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyStats, 1)
	em := &slowClient{limit: 1}

	done := make(chan error, 1)
	go func() {
		done <- newTestRouter(store, store).Serve(context.Background(), domain.FamilyStats, nil, em)
	}()
	em.waitFor(t, 1)
	require.NoError(t, store.Insert(context.Background(), ds, candle("BTC-USD", 9_990_000, "1")))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClientTooSlow)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end when the client fell behind")
	}

	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.final, 1)
	assert.Equal(t, domain.EventErrorMsg, em.final[0].Name)
	assert.Equal(t, "Client too slow: events were dropped", em.final[0].Data.(domain.ErrorMessage).Message)
	assert.Equal(t, 0, store.SubscriberCount(ds.Name))
}

func TestServe_DisconnectStopsDeliveries(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyStats, 1)
	ctx := context.Background()
	r := newTestRouter(store, store)

	em := &recorder{}
	stop := serve(t, r, domain.FamilyStats, nil, em)
	em.waitFor(t, 1)
	assert.Equal(t, 1, store.SubscriberCount(ds.Name))
	assert.Equal(t, 1, r.Active()[domain.FamilyStats])

	require.NoError(t, stop())
	assert.Equal(t, 0, store.SubscriberCount(ds.Name))
	assert.Equal(t, 0, r.Active()[domain.FamilyStats])

	for i := int64(0); i < 5; i++ {
		require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 9_990_000+i, "1")))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, em.snapshot(), 1)
}

func TestServe_ClientGoneIsNotAnError(t *testing.T) {
	store := newStore()
	em := &recorder{err: errors.New("broken pipe")}

	err := newTestRouter(store, store).Serve(context.Background(), domain.FamilyStats, nil, em)
	assert.NoError(t, err)
	assert.Empty(t, em.snapshot())
	assert.Equal(t, 0, store.SubscriberCount("STATS_1M"))
}

func TestServe_UnknownFamily(t *testing.T) {
	store := newStore()
	err := newTestRouter(store, store).Serve(context.Background(), domain.Family("volume"), nil, &recorder{})
	assert.Error(t, err)
}

func TestDiagnostic(t *testing.T) {
	assert.Equal(t, "Invalid minutes parameter",
		Diagnostic(&dataset.ParamError{Param: dataset.ParamFrequency, Value: "7"}))
	assert.Equal(t, "Invalid ticker parameter",
		Diagnostic(&dataset.ParamError{Param: dataset.ParamTicker, Value: "X"}))
	assert.Equal(t, "Error retrieving initial documents: timeout",
		Diagnostic(backfillError(errors.New("timeout"))))
	assert.Equal(t, "Change Stream error: closed",
		Diagnostic(fmt.Errorf("wrapped: %w", subscriptionError(errors.New("closed")))))
}

func TestSession_ReleaseIdempotent(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyStats, 1)
	s := newSession(domain.FamilyStats, "BTC-USD", newTestRouter(store, store).logger)

	sub, err := store.Subscribe(context.Background(), ds, storage.ChangeFilter{})
	require.NoError(t, err)
	s.attach(sub)

	s.Release()
	s.Release()
	assert.Equal(t, 0, store.SubscriberCount(ds.Name))

	// Attaching after release closes the handle straight away.
	late, err := store.Subscribe(context.Background(), ds, storage.ChangeFilter{})
	require.NoError(t, err)
	s.attach(late)
	assert.Equal(t, 0, store.SubscriberCount(ds.Name))
}
