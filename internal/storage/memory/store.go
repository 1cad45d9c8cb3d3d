package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/storage"
)

// Store is an in-memory implementation of storage.Store and storage.Writer.
// Every write is published to the dataset's change feed.
type Store struct {
	mu       sync.RWMutex
	datasets map[string]*table
	buffer   int
}

type table struct {
	rows   map[string]*domain.RawRecord // keyed by (ticker, timestamp)
	fanout *storage.Fanout
}

// NewStore creates a new in-memory store. buffer is the per-subscriber event buffer.
func NewStore(buffer int) *Store {
	return &Store{
		datasets: make(map[string]*table),
		buffer:   buffer,
	}
}

func rowKey(ticker string, timestamp int64) string {
	return fmt.Sprintf("%s|%d", ticker, timestamp)
}

// table returns the dataset's table, creating it on first use. Caller holds s.mu for writing.
func (s *Store) table(ds domain.Dataset) *table {
	t, ok := s.datasets[ds.Name]
	if !ok {
		t = &table{
			rows:   make(map[string]*domain.RawRecord),
			fanout: storage.NewFanout(s.buffer),
		}
		s.datasets[ds.Name] = t
	}
	return t
}

func validate(ds domain.Dataset, r *domain.RawRecord) error {
	if ds.Name == "" || r == nil || r.Ticker == "" || r.Timestamp <= 0 {
		return storage.ErrInvalidInput
	}
	return nil
}

// Latest implements storage.BackfillReader.
func (s *Store) Latest(_ context.Context, ds domain.Dataset, ticker string) (*domain.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.datasets[ds.Name]
	if !ok {
		return nil, storage.ErrNotFound
	}

	var latest *domain.RawRecord
	for _, r := range t.rows {
		if r.Ticker != ticker {
			continue
		}
		if latest == nil || r.Timestamp > latest.Timestamp {
			latest = r
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest.Clone(), nil
}

// Since implements storage.BackfillReader.
func (s *Store) Since(_ context.Context, ds domain.Dataset, ticker string, cutoff int64) ([]*domain.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*domain.RawRecord{}
	t, ok := s.datasets[ds.Name]
	if !ok {
		return result, nil
	}
	for _, r := range t.rows {
		if r.Ticker == ticker && r.Timestamp >= cutoff {
			result = append(result, r.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})

	return result, nil
}

// Subscribe implements storage.ChangeFeed.
func (s *Store) Subscribe(_ context.Context, ds domain.Dataset, filter storage.ChangeFilter) (storage.Subscription, error) {
	if ds.Name == "" {
		return nil, storage.ErrUnknownDataset
	}
	s.mu.Lock()
	t := s.table(ds)
	s.mu.Unlock()
	return t.fanout.Subscribe(filter)
}

// SubscriberCount returns the number of live subscriptions on a dataset.
func (s *Store) SubscriberCount(dataset string) int {
	s.mu.RLock()
	t, ok := s.datasets[dataset]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return t.fanout.Len()
}

// Fail ends every subscription on a dataset with err, simulating a feed outage.
// Later subscriptions on the dataset fail with err too.
func (s *Store) Fail(dataset string, err error) {
	s.mu.Lock()
	t := s.table(domain.Dataset{Name: dataset})
	s.mu.Unlock()
	t.fanout.Fail(err)
}

// Insert implements storage.Writer.
func (s *Store) Insert(_ context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(ds, r); err != nil {
		return err
	}

	s.mu.Lock()
	t := s.table(ds)
	key := rowKey(r.Ticker, r.Timestamp)
	if _, exists := t.rows[key]; exists {
		s.mu.Unlock()
		return storage.ErrDuplicateKey
	}
	stored := r.Clone()
	t.rows[key] = stored
	s.publish(t, ds, domain.OpInsert, stored)
	s.mu.Unlock()
	return nil
}

// Update implements storage.Writer.
func (s *Store) Update(_ context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(ds, r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ds)
	existing, ok := t.rows[rowKey(r.Ticker, r.Timestamp)]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Fields == nil {
		existing.Fields = make(map[string]decimal.Decimal, len(r.Fields))
	}
	for k, v := range r.Fields {
		existing.Fields[k] = v
	}
	s.publish(t, ds, domain.OpUpdate, existing)
	return nil
}

// Replace implements storage.Writer.
func (s *Store) Replace(_ context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(ds, r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ds)
	key := rowKey(r.Ticker, r.Timestamp)
	if _, ok := t.rows[key]; !ok {
		return storage.ErrNotFound
	}
	stored := r.Clone()
	t.rows[key] = stored
	s.publish(t, ds, domain.OpReplace, stored)
	return nil
}

// Delete implements storage.Writer.
func (s *Store) Delete(_ context.Context, ds domain.Dataset, ticker string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(ds)
	key := rowKey(ticker, timestamp)
	existing, ok := t.rows[key]
	if !ok {
		return storage.ErrNotFound
	}
	delete(t.rows, key)
	s.publish(t, ds, domain.OpDelete, existing)
	return nil
}

// publish runs under s.mu so subscribers observe writes in commit order.
func (s *Store) publish(t *table, ds domain.Dataset, op domain.OpKind, r *domain.RawRecord) {
	t.fanout.Publish(domain.RawChange{Op: op, Dataset: ds.Name, Record: r})
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Writer = (*Store)(nil)
)
