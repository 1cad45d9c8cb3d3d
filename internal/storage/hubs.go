package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"crypto-stats-stream/internal/domain"
)

// DefaultStartTimeout bounds opening the upstream of a dataset's change feed.
const DefaultStartTimeout = 10 * time.Second

// Upstream is a running change source feeding one dataset's Fanout.
// Cancel must not block; Done is closed once the source has stopped.
type Upstream struct {
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

// StartFunc opens the change source for ds. The source publishes to fan and
// ends it with fan.Fail when it stops. ctx bounds only the opening.
type StartFunc func(ctx context.Context, ds domain.Dataset, fan *Fanout) (Upstream, error)

// Hubs keeps one upstream per dataset with at least one subscriber. Opening an
// upstream happens outside the registry lock, so a slow or hung open delays
// only the sessions waiting on that dataset.
type Hubs struct {
	start        StartFunc
	buffer       int
	startTimeout time.Duration

	group singleflight.Group

	mu   sync.Mutex
	hubs map[string]*hub
}

type hub struct {
	name     string
	fanout   *Fanout
	upstream Upstream
}

// NewHubs creates a registry that opens upstreams with start.
func NewHubs(buffer int, startTimeout time.Duration, start StartFunc) *Hubs {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &Hubs{
		start:        start,
		buffer:       buffer,
		startTimeout: startTimeout,
		hubs:         make(map[string]*hub),
	}
}

// Subscribe attaches a filtered subscriber to ds, opening its upstream if
// needed. It returns when ctx ends even if the upstream is still opening.
func (h *Hubs) Subscribe(ctx context.Context, ds domain.Dataset, filter ChangeFilter) (Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		hb, err := h.get(ctx, ds)
		if err != nil {
			return nil, err
		}
		sub, err := hb.fanout.Subscribe(filter)
		if err == nil {
			return sub, nil
		}
		// The hub was retired or failed between lookup and subscribe.
		h.retire(hb)
		lastErr = err
	}
	return nil, lastErr
}

// Len returns the number of datasets with a running upstream.
func (h *Hubs) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hubs)
}

// Close stops every upstream and ends their subscriptions.
func (h *Hubs) Close() {
	h.mu.Lock()
	hubs := h.hubs
	h.hubs = make(map[string]*hub)
	h.mu.Unlock()

	for _, hb := range hubs {
		hb.upstream.Cancel()
		<-hb.upstream.Done
	}
}

func (h *Hubs) lookup(name string) *hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hubs[name]
}

func (h *Hubs) get(ctx context.Context, ds domain.Dataset) (*hub, error) {
	if hb := h.lookup(ds.Name); hb != nil {
		return hb, nil
	}

	ch := h.group.DoChan(ds.Name, func() (any, error) {
		return h.open(ds)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("open change feed %s: %w", ds.Name, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*hub), nil
	}
}

// open starts an upstream under its own deadline so that no single waiter's
// cancellation aborts it for the others.
func (h *Hubs) open(ds domain.Dataset) (*hub, error) {
	if hb := h.lookup(ds.Name); hb != nil {
		return hb, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.startTimeout)
	defer cancel()

	hb := &hub{name: ds.Name, fanout: NewFanout(h.buffer)}
	hb.fanout.OnEmpty(func() { h.retire(hb) })

	up, err := h.start(ctx, ds, hb.fanout)
	if err != nil {
		return nil, err
	}
	hb.upstream = up

	h.mu.Lock()
	h.hubs[ds.Name] = hb
	h.mu.Unlock()

	// Every waiter may have given up while the upstream was opening.
	time.AfterFunc(h.startTimeout, func() { h.retire(hb) })
	return hb, nil
}

// retire stops hb if it has no subscribers left.
func (h *Hubs) retire(hb *hub) {
	if !hb.fanout.CloseIfEmpty(ErrSubscriptionClosed) {
		return
	}
	h.mu.Lock()
	if h.hubs[hb.name] == hb {
		delete(h.hubs, hb.name)
	}
	h.mu.Unlock()
	if hb.upstream.Cancel != nil {
		hb.upstream.Cancel()
	}
}
