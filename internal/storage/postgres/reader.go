package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/storage"
)

// Reader implements storage.BackfillReader using PostgreSQL.
type Reader struct {
	pool *Pool
}

// NewReader creates a new Reader.
func NewReader(pool *Pool) *Reader {
	return &Reader{pool: pool}
}

// Compile-time interface check.
var _ storage.BackfillReader = (*Reader)(nil)

// Latest returns the newest row for ticker. Returns ErrNotFound if there is none.
func (r *Reader) Latest(ctx context.Context, ds domain.Dataset, ticker string) (rec *domain.RawRecord, err error) {
	defer func(start time.Time) { recordQuery("latest", start, err) }(time.Now())

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE tick = $1
		ORDER BY ts DESC
		LIMIT 1
	`, selectColumns(ds), tableName(ds))

	rec, err = scanRecord(ds, r.pool.QueryRow(ctx, query, ticker))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		if isUndefinedTableError(err) {
			return nil, fmt.Errorf("%s: %w", ds.Name, storage.ErrUnknownDataset)
		}
		return nil, fmt.Errorf("query latest %s: %w", ds.Name, err)
	}
	return rec, nil
}

// Since returns rows for ticker with ts >= cutoff, ordered by ts ASC.
func (r *Reader) Since(ctx context.Context, ds domain.Dataset, ticker string, cutoff int64) (_ []*domain.RawRecord, err error) {
	defer func(start time.Time) { recordQuery("since", start, err) }(time.Now())

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE tick = $1 AND ts >= $2
		ORDER BY ts ASC
	`, selectColumns(ds), tableName(ds))

	rows, err := r.pool.Query(ctx, query, ticker, cutoff)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, fmt.Errorf("%s: %w", ds.Name, storage.ErrUnknownDataset)
		}
		return nil, fmt.Errorf("query since %s: %w", ds.Name, err)
	}
	defer rows.Close()

	result := []*domain.RawRecord{}
	for rows.Next() {
		rec, err := scanRecord(ds, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", ds.Name, err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTableError(err) {
			return nil, fmt.Errorf("%s: %w", ds.Name, storage.ErrUnknownDataset)
		}
		return nil, fmt.Errorf("iterate %s: %w", ds.Name, err)
	}

	return result, nil
}

// recordQuery reports a read to the database metrics. An empty result is not an error.
func recordQuery(operation string, start time.Time, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	observability.RecordDBQuery("postgres", operation, start, err)
}
