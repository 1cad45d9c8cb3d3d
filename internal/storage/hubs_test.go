package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-stream/internal/domain"
)

var (
	dsStats  = domain.Dataset{Name: "STATS_1M", Kind: domain.DatasetCandle, GranularityMinutes: 1}
	dsMoving = domain.Dataset{Name: "MOVING_5M_AVG", Kind: domain.DatasetMovingAverage, GranularityMinutes: 5}
)

// fakeSource opens upstreams that run until cancelled. Opening a dataset
// listed in hang blocks until the open context ends.
type fakeSource struct {
	hang map[string]bool

	mu        sync.Mutex
	starts    map[string]int
	cancelled map[string]int
	fans      map[string]*Fanout
	gate      chan struct{}
}

func newFakeSource(hang ...string) *fakeSource {
	s := &fakeSource{
		hang:      make(map[string]bool),
		starts:    make(map[string]int),
		cancelled: make(map[string]int),
		fans:      make(map[string]*Fanout),
	}
	for _, name := range hang {
		s.hang[name] = true
	}
	return s
}

func (s *fakeSource) start(ctx context.Context, ds domain.Dataset, fan *Fanout) (Upstream, error) {
	s.mu.Lock()
	s.starts[ds.Name]++
	s.fans[ds.Name] = fan
	gate := s.gate
	s.mu.Unlock()

	if s.hang[ds.Name] {
		<-ctx.Done()
		return Upstream{}, ctx.Err()
	}
	if gate != nil {
		<-gate
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-runCtx.Done()
		s.mu.Lock()
		s.cancelled[ds.Name]++
		s.mu.Unlock()
		fan.Fail(ErrSubscriptionClosed)
	}()
	return Upstream{Cancel: cancel, Done: done}, nil
}

func (s *fakeSource) count(m map[string]int, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[name]
}

func (s *fakeSource) fanout(name string) *Fanout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fans[name]
}

func TestHubs_HungOpenDoesNotBlockOtherDatasets(t *testing.T) {
	src := newFakeSource(dsStats.Name)
	hubs := NewHubs(4, 3*time.Second, src.start)
	defer hubs.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = hubs.Subscribe(ctx, dsStats, ChangeFilter{})
	}()
	require.Eventually(t, func() bool { return src.count(src.starts, dsStats.Name) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub, err := hubs.Subscribe(ctx, dsMoving, ChangeFilter{})
	require.NoError(t, err)
	defer sub.Close()
}

func TestHubs_WaiterReturnsOnItsOwnDeadline(t *testing.T) {
	src := newFakeSource(dsStats.Name)
	hubs := NewHubs(4, 3*time.Second, src.start)
	defer hubs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := hubs.Subscribe(ctx, dsStats, ChangeFilter{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), time.Second)
}

func TestHubs_StartTimeoutEndsHungOpen(t *testing.T) {
	src := newFakeSource(dsStats.Name)
	hubs := NewHubs(4, 50*time.Millisecond, src.start)
	defer hubs.Close()

	_, err := hubs.Subscribe(context.Background(), dsStats, ChangeFilter{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, hubs.Len())
}

func TestHubs_ConcurrentSubscribersShareOneUpstream(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	hubs := NewHubs(4, time.Minute, src.start)
	defer hubs.Close()

	const n = 8
	var (
		wg   sync.WaitGroup
		subs = make(chan Subscription, n)
		fail atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := hubs.Subscribe(context.Background(), dsStats, ChangeFilter{})
			if err != nil {
				fail.Add(1)
				return
			}
			subs <- sub
		}()
	}
	require.Eventually(t, func() bool { return src.count(src.starts, dsStats.Name) == 1 }, time.Second, 5*time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(subs)

	assert.Equal(t, int32(0), fail.Load())
	assert.Equal(t, 1, src.count(src.starts, dsStats.Name))
	assert.Equal(t, 1, hubs.Len())
	assert.Equal(t, n, src.fanout(dsStats.Name).Len())

	for sub := range subs {
		require.NoError(t, sub.Close())
	}
	require.Eventually(t, func() bool { return src.count(src.cancelled, dsStats.Name) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hubs.Len())
}

func TestHubs_FailedUpstreamIsReplaced(t *testing.T) {
	src := newFakeSource()
	hubs := NewHubs(4, time.Minute, src.start)
	defer hubs.Close()

	sub, err := hubs.Subscribe(context.Background(), dsStats, ChangeFilter{})
	require.NoError(t, err)

	src.fanout(dsStats.Name).Fail(errors.New("connection reset"))
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.EqualError(t, sub.Err(), "connection reset")

	next, err := hubs.Subscribe(context.Background(), dsStats, ChangeFilter{})
	require.NoError(t, err)
	defer next.Close()
	assert.Equal(t, 2, src.count(src.starts, dsStats.Name))
}

func TestHubs_UnclaimedUpstreamIsRetired(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	hubs := NewHubs(4, 100*time.Millisecond, src.start)
	defer hubs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		<-ctx.Done()
		close(src.gate)
	}()
	_, err := hubs.Subscribe(ctx, dsStats, ChangeFilter{})
	require.Error(t, err)

	require.Eventually(t, func() bool { return src.count(src.cancelled, dsStats.Name) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hubs.Len())
}
