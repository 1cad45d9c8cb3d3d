package stream

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"crypto-stats-stream/internal/dataset"
	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/storage"
	"crypto-stats-stream/internal/storage/memory"
)

// now is the fixed clock used by session tests: 10,000,000 ms.
var now = time.UnixMilli(10_000_000)

type event struct {
	Name string
	Data any
}

// recorder is an Emitter that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (r *recorder) Emit(name string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event{Name: name, Data: data})
	return nil
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

// waitFor blocks until at least n events were recorded.
func (r *recorder) waitFor(t *testing.T, n int) []event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d events", n)
	return r.snapshot()
}

func newTestRouter(reader storage.BackfillReader, feed storage.ChangeFeed) *Router {
	return NewRouter(Deps{
		Reader:          reader,
		Feed:            feed,
		Tickers:         dataset.TickerPolicy{Default: "BTC-USD", Allowed: []string{"BTC-USD", "ETH-USD"}},
		Now:             func() time.Time { return now },
		BackfillTimeout: time.Second,
	})
}

// serve runs a session in the background and returns a stop function that
// cancels it and waits for Serve to return.
func serve(t *testing.T, r *Router, f domain.Family, q url.Values, em Emitter) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, f, q, em) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after cancel")
			return nil
		}
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func candle(ticker string, ts int64, close string) *domain.RawRecord {
	v := dec(close)
	return &domain.RawRecord{
		Ticker:    ticker,
		Timestamp: ts,
		Fields: map[string]decimal.Decimal{
			domain.FieldOpen:     v,
			domain.FieldHigh:     v,
			domain.FieldLow:      v,
			domain.FieldClose:    v,
			domain.FieldIntraAvg: v,
		},
	}
}

func mustResolve(t *testing.T, f domain.Family, g int) domain.Dataset {
	t.Helper()
	ds, err := dataset.Resolve(f, g)
	require.NoError(t, err)
	return ds
}

// countingReader counts reads and can fail or block them.
type countingReader struct {
	inner storage.BackfillReader
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (c *countingReader) record() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingReader) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingReader) Latest(ctx context.Context, ds domain.Dataset, ticker string) (*domain.RawRecord, error) {
	if err := c.record(); err != nil {
		return nil, err
	}
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.inner.Latest(ctx, ds, ticker)
}

func (c *countingReader) Since(ctx context.Context, ds domain.Dataset, ticker string, cutoff int64) ([]*domain.RawRecord, error) {
	if err := c.record(); err != nil {
		return nil, err
	}
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.inner.Since(ctx, ds, ticker, cutoff)
}

var errDBDown = errors.New("db down")

func newStore() *memory.Store {
	return memory.NewStore(64)
}
