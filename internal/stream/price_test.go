package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-stream/internal/domain"
)

func TestLatestTracker_TieBreak(t *testing.T) {
	var tr LatestTracker
	ts := []int64{100, 100, 90, 101}
	ops := []domain.OpKind{domain.OpInsert, domain.OpReplace, domain.OpInsert, domain.OpInsert}

	var delivered []int
	for i := range ts {
		if tr.Accept(ts[i], ops[i]) {
			delivered = append(delivered, i)
		}
	}
	assert.Equal(t, []int{0, 1, 3}, delivered)
	assert.Equal(t, int64(101), tr.Latest())
}

func TestLatestTracker_UpdateTieDropped(t *testing.T) {
	var tr LatestTracker
	tr.Seed(100)
	assert.False(t, tr.Accept(100, domain.OpInsert))
	assert.False(t, tr.Accept(100, domain.OpUpdate))
	assert.True(t, tr.Accept(100, domain.OpReplace))
	assert.Equal(t, int64(100), tr.Latest())
}

func TestPriceSession_SeedThenOrderedChanges(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyPrice, 0)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 50, "99.5")))
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 40, "90")))

	em := &recorder{}
	stop := serve(t, newTestRouter(store, store), domain.FamilyPrice, nil, em)

	first := em.waitFor(t, 1)[0]
	assert.Equal(t, domain.EventUpdate, first.Name)
	seed := first.Data.(domain.TickPoint)
	assert.Equal(t, "BTC-USD", seed.Ticker)
	assert.True(t, seed.Price.Equal(dec("99.5")))

	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 100, "1")))
	require.NoError(t, store.Replace(ctx, ds, candle("BTC-USD", 100, "2")))
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 90, "3")))
	require.NoError(t, store.Update(ctx, ds, candle("BTC-USD", 100, "5")))
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 101, "4")))

	em.waitFor(t, 4)
	require.NoError(t, stop())

	events := em.snapshot()
	require.Len(t, events, 4)
	var prices []string
	for _, e := range events[1:] {
		assert.Equal(t, domain.EventUpdate, e.Name)
		prices = append(prices, e.Data.(domain.TickPoint).Price.String())
	}
	assert.Equal(t, []string{"1", "2", "4"}, prices)
}

func TestPriceSession_EmptyDatasetWaitsForFirstChange(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyPrice, 0)
	reader := &countingReader{inner: store}

	em := &recorder{}
	stop := serve(t, newTestRouter(reader, store), domain.FamilyPrice, nil, em)
	defer stop()

	require.Eventually(t, func() bool { return reader.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, em.snapshot())

	require.NoError(t, store.Insert(context.Background(), ds, candle("BTC-USD", 10, "7")))
	e := em.waitFor(t, 1)[0]
	assert.True(t, e.Data.(domain.TickPoint).Price.Equal(dec("7")))
}

func TestPriceSession_OtherTickerIgnored(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyPrice, 0)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, ds, candle("ETH-USD", 10, "3000")))

	em := &recorder{}
	stop := serve(t, newTestRouter(store, store), domain.FamilyPrice, map[string][]string{"ticker": {"ETH-USD"}}, em)
	defer stop()

	em.waitFor(t, 1)
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 20, "60000")))
	require.NoError(t, store.Insert(ctx, ds, candle("ETH-USD", 20, "3100")))

	events := em.waitFor(t, 2)
	assert.Equal(t, "ETH-USD", events[1].Data.(domain.TickPoint).Ticker)
	assert.True(t, events[1].Data.(domain.TickPoint).Price.Equal(dec("3100")))
}

func TestPriceSession_MalformedChangeDoesNotAdvanceLatest(t *testing.T) {
	store := newStore()
	ds := mustResolve(t, domain.FamilyPrice, 0)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 50, "1")))

	em := &recorder{}
	stop := serve(t, newTestRouter(store, store), domain.FamilyPrice, nil, em)
	defer stop()
	em.waitFor(t, 1)

	broken := candle("BTC-USD", 100, "2")
	delete(broken.Fields, domain.FieldClose)
	require.NoError(t, store.Insert(ctx, ds, broken))
	require.NoError(t, store.Delete(ctx, ds, "BTC-USD", 100))
	require.NoError(t, store.Insert(ctx, ds, candle("BTC-USD", 100, "3")))

	events := em.waitFor(t, 2)
	point := events[1].Data.(domain.TickPoint)
	assert.Equal(t, int64(100), point.Timestamp)
	assert.True(t, point.Price.Equal(dec("3")))
}
