package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/storage"
)

// Writer implements storage.Writer using PostgreSQL. Every statement fires
// notify_dataset_change(), which feeds Feed subscribers.
type Writer struct {
	pool *Pool
}

// NewWriter creates a new Writer.
func NewWriter(pool *Pool) *Writer {
	return &Writer{pool: pool}
}

// Compile-time interface check.
var _ storage.Writer = (*Writer)(nil)

func validate(r *domain.RawRecord) error {
	if r == nil || r.Ticker == "" || r.Timestamp <= 0 {
		return storage.ErrInvalidInput
	}
	return nil
}

// fieldArgs returns one argument per dataset column; absent fields become NULL.
func fieldArgs(ds domain.Dataset, r *domain.RawRecord) []any {
	fields := ds.Fields()
	args := make([]any, len(fields))
	for i, name := range fields {
		v, ok := r.Fields[name]
		args[i] = decimal.NullDecimal{Decimal: v, Valid: ok}
	}
	return args
}

// Insert adds a new bucket. Returns ErrDuplicateKey if (tick, ts) exists.
func (w *Writer) Insert(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(r); err != nil {
		return err
	}

	fields := ds.Fields()
	placeholders := make([]string, len(fields))
	for i := range fields {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, %s)`,
		tableName(ds), selectColumns(ds), strings.Join(placeholders, ", "))

	args := append([]any{r.Ticker, r.Timestamp}, fieldArgs(ds, r)...)
	if _, err := w.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert %s: %w", ds.Name, err)
	}
	return nil
}

// Update sets the fields present in r. Returns ErrNotFound if the bucket does not exist.
func (w *Writer) Update(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(r); err != nil {
		return err
	}

	var sets []string
	args := []any{r.Ticker, r.Timestamp}
	for _, name := range ds.Fields() {
		v, ok := r.Fields[name]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}
	if len(sets) == 0 {
		return storage.ErrInvalidInput
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE tick = $1 AND ts = $2`,
		tableName(ds), strings.Join(sets, ", "))

	tag, err := w.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", ds.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Replace overwrites every column of an existing bucket. The transaction-local
// stream.replace setting makes the trigger report the change as a replace.
func (w *Writer) Replace(ctx context.Context, ds domain.Dataset, r *domain.RawRecord) error {
	if err := validate(r); err != nil {
		return err
	}

	fields := ds.Fields()
	sets := make([]string, len(fields))
	for i, name := range fields {
		sets[i] = fmt.Sprintf("%s = $%d", name, i+3)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE tick = $1 AND ts = $2`,
		tableName(ds), strings.Join(sets, ", "))

	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET LOCAL stream.replace = 'on'`); err != nil {
			return fmt.Errorf("mark replace: %w", err)
		}
		args := append([]any{r.Ticker, r.Timestamp}, fieldArgs(ds, r)...)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("replace %s: %w", ds.Name, err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// Delete removes a bucket. Returns ErrNotFound if it does not exist.
func (w *Writer) Delete(ctx context.Context, ds domain.Dataset, ticker string, timestamp int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE tick = $1 AND ts = $2`, tableName(ds))

	tag, err := w.pool.Exec(ctx, query, ticker, timestamp)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ds.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
