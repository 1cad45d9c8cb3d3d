package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/storage"
)

// Writer implements storage.Writer using ClickHouse. Every operation appends a
// new row version tagged with its op; Feed pollers pick versions up in order.
type Writer struct {
	conn   *Conn
	reader *Reader

	mu   sync.Mutex
	last uint64
}

// NewWriter creates a new Writer.
func NewWriter(conn *Conn) *Writer {
	return &Writer{conn: conn, reader: NewReader(conn)}
}

// Compile-time interface check.
var _ storage.Writer = (*Writer)(nil)

// nextVersion returns a strictly increasing version based on wall time.
// Callers hold w.mu.
func (w *Writer) nextVersion() uint64 {
	v := uint64(time.Now().UnixNano())
	if v <= w.last {
		v = w.last + 1
	}
	w.last = v
	return v
}

func validate(r *domain.RawRecord) error {
	if r == nil || r.Ticker == "" || r.Timestamp <= 0 {
		return storage.ErrInvalidInput
	}
	return nil
}

// current returns the live bucket at (ticker, ts), or ErrNotFound.
func (w *Writer) current(ctx context.Context, ds domain.Dataset, ticker string, ts int64) (*domain.RawRecord, error) {
	recs, err := w.reader.Since(ctx, ds, ticker, ts)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || recs[0].Timestamp != ts {
		return nil, storage.ErrNotFound
	}
	return recs[0], nil
}

// Insert adds a new bucket. Returns ErrDuplicateKey if (tick, ts) is live.
func (w *Writer) Insert(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(r); err != nil {
		return err
	}
	if _, err := w.current(ctx, ds, r.Ticker, r.Timestamp); err == nil {
		return storage.ErrDuplicateKey
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check exists: %w", err)
	}
	return w.append(ctx, ds, domain.OpInsert, r)
}

// Update merges the fields present in r into the live bucket.
func (w *Writer) Update(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(r); err != nil {
		return err
	}
	existing, err := w.current(ctx, ds, r.Ticker, r.Timestamp)
	if err != nil {
		return err
	}
	merged := existing.Clone()
	for k, v := range r.Fields {
		merged.Fields[k] = v
	}
	return w.append(ctx, ds, domain.OpUpdate, merged)
}

// Replace overwrites the live bucket with r.
func (w *Writer) Replace(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(r); err != nil {
		return err
	}
	if _, err := w.current(ctx, ds, r.Ticker, r.Timestamp); err != nil {
		return err
	}
	return w.append(ctx, ds, domain.OpReplace, r)
}

// Delete writes a tombstone carrying the removed bucket's values.
func (w *Writer) Delete(ctx context.Context, ds domain.Dataset, ticker string, timestamp int64) error {
	existing, err := w.current(ctx, ds, ticker, timestamp)
	if err != nil {
		return err
	}
	return w.append(ctx, ds, domain.OpDelete, existing)
}

// append writes one row version. Versions are assigned and sent under w.mu
// so they commit in version order.
func (w *Writer) append(ctx context.Context, ds domain.Dataset, op domain.OpKind, r *domain.RawRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s, op, version)`, tableName(ds), valueColumns(ds)))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	args := []any{r.Ticker, r.Timestamp}
	args = append(args, nullableFields(ds, r)...)
	args = append(args, string(op), w.nextVersion())
	if err := batch.Append(args...); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("%s %s: %w", op, ds.Name, err)
	}
	return nil
}
