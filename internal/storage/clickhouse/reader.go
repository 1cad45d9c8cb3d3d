package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/storage"
)

// Reader implements storage.BackfillReader using ClickHouse. Reads use FINAL so
// only the newest version of each bucket is returned; tombstones are excluded.
type Reader struct {
	conn *Conn
}

// NewReader creates a new Reader.
func NewReader(conn *Conn) *Reader {
	return &Reader{conn: conn}
}

// Compile-time interface check.
var _ storage.BackfillReader = (*Reader)(nil)

// Latest returns the newest live bucket for ticker. Returns ErrNotFound if there is none.
func (r *Reader) Latest(ctx context.Context, ds domain.Dataset, ticker string) (rec *domain.RawRecord, err error) {
	defer func(start time.Time) { recordQuery("latest", start, err) }(time.Now())

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s FINAL
		WHERE tick = ? AND op != 'delete'
		ORDER BY ts DESC
		LIMIT 1
	`, valueColumns(ds), tableName(ds))

	rows, err := r.conn.Query(ctx, query, ticker)
	if err != nil {
		return nil, fmt.Errorf("query latest %s: %w", ds.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate %s: %w", ds.Name, err)
		}
		return nil, storage.ErrNotFound
	}

	t := newScanTarget(ds)
	if err := rows.Scan(t.dest()...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", ds.Name, err)
	}
	return t.record(), nil
}

// Since returns live buckets for ticker with ts >= cutoff, ordered by ts ASC.
func (r *Reader) Since(ctx context.Context, ds domain.Dataset, ticker string, cutoff int64) (_ []*domain.RawRecord, err error) {
	defer func(start time.Time) { recordQuery("since", start, err) }(time.Now())

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s FINAL
		WHERE tick = ? AND ts >= ? AND op != 'delete'
		ORDER BY ts ASC
	`, valueColumns(ds), tableName(ds))

	rows, err := r.conn.Query(ctx, query, ticker, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query since %s: %w", ds.Name, err)
	}
	defer rows.Close()

	result := []*domain.RawRecord{}
	t := newScanTarget(ds)
	for rows.Next() {
		if err := rows.Scan(t.dest()...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", ds.Name, err)
		}
		result = append(result, t.record())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", ds.Name, err)
	}

	return result, nil
}

// recordQuery reports a read to the database metrics. An empty result is not an error.
func recordQuery(operation string, start time.Time, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	observability.RecordDBQuery("clickhouse", operation, start, err)
}
