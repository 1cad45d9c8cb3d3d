package storage

import (
	"sync"
	"sync/atomic"

	"crypto-stats-stream/internal/domain"
)

// DefaultSubscriberBuffer is the per-subscription event buffer.
const DefaultSubscriberBuffer = 256

// Fanout distributes one dataset's change stream to many filtered subscribers.
// A subscriber whose buffer is full is closed with ErrSlowSubscriber instead of
// blocking the publisher.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[int64]*FanoutSubscription
	seq    atomic.Int64
	buffer int
	closed bool
	err    error

	// onEmpty runs, outside the lock, whenever the last subscriber leaves.
	onEmpty func()
}

// NewFanout creates a fan-out with the given per-subscriber buffer size.
func NewFanout(buffer int) *Fanout {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Fanout{
		subs:   make(map[int64]*FanoutSubscription),
		buffer: buffer,
	}
}

// OnEmpty registers a callback invoked when the subscriber count drops to zero.
func (f *Fanout) OnEmpty(fn func()) {
	f.mu.Lock()
	f.onEmpty = fn
	f.mu.Unlock()
}

// Subscribe registers a filtered subscriber.
func (f *Fanout) Subscribe(filter ChangeFilter) (*FanoutSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		if f.err != nil {
			return nil, f.err
		}
		return nil, ErrSubscriptionClosed
	}

	sub := &FanoutSubscription{
		id:     f.seq.Add(1),
		filter: filter,
		ch:     make(chan domain.RawChange, f.buffer),
		fanout: f,
	}
	f.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers c to every subscriber whose filter matches.
func (f *Fanout) Publish(c domain.RawChange) {
	var lagging []*FanoutSubscription

	f.mu.RLock()
	for _, sub := range f.subs {
		if !sub.filter.Match(c) {
			continue
		}
		ev := c
		ev.Record = c.Record.Clone()
		select {
		case sub.ch <- ev:
		default:
			lagging = append(lagging, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range lagging {
		f.remove(sub, ErrSlowSubscriber)
	}
}

// Fail ends every subscription with err and rejects new subscribers.
func (f *Fanout) Fail(err error) {
	f.mu.Lock()
	f.closed = true
	f.err = err
	subs := f.subs
	f.subs = make(map[int64]*FanoutSubscription)
	for _, sub := range subs {
		sub.finish(err)
	}
	onEmpty := f.onEmpty
	f.mu.Unlock()

	if len(subs) > 0 && onEmpty != nil {
		onEmpty()
	}
}

// CloseIfEmpty rejects new subscribers with err if there are none left and
// reports whether the fan-out is now closed.
func (f *Fanout) CloseIfEmpty(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) > 0 {
		return false
	}
	if !f.closed {
		f.closed = true
		f.err = err
	}
	return true
}

// Len returns the number of live subscribers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Fanout) remove(sub *FanoutSubscription, err error) {
	f.mu.Lock()
	_, ok := f.subs[sub.id]
	if ok {
		delete(f.subs, sub.id)
		sub.finish(err)
	}
	empty := ok && len(f.subs) == 0
	onEmpty := f.onEmpty
	f.mu.Unlock()

	if empty && onEmpty != nil {
		onEmpty()
	}
}

// FanoutSubscription is a Subscription served by a Fanout.
type FanoutSubscription struct {
	id     int64
	filter ChangeFilter
	ch     chan domain.RawChange
	fanout *Fanout

	// guarded by fanout.mu
	done bool
	err  error
}

var _ Subscription = (*FanoutSubscription)(nil)

// Events implements Subscription.
func (s *FanoutSubscription) Events() <-chan domain.RawChange {
	return s.ch
}

// Err implements Subscription.
func (s *FanoutSubscription) Err() error {
	s.fanout.mu.RLock()
	defer s.fanout.mu.RUnlock()
	return s.err
}

// Close implements Subscription.
func (s *FanoutSubscription) Close() error {
	s.fanout.remove(s, nil)
	return nil
}

// finish must be called with fanout.mu held for writing.
func (s *FanoutSubscription) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}
