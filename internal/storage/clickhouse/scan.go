package clickhouse

import (
	"github.com/shopspring/decimal"

	"crypto-stats-stream/internal/domain"
)

// rowScanner is satisfied by driver.Rows and driver.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTarget holds destinations for "tick, ts, <fields>[, extra...]".
type scanTarget struct {
	ds     domain.Dataset
	ticker string
	ts     int64
	vals   []*decimal.Decimal
}

func newScanTarget(ds domain.Dataset) *scanTarget {
	return &scanTarget{ds: ds, vals: make([]*decimal.Decimal, len(ds.Fields()))}
}

// dest returns scan destinations followed by extra.
func (t *scanTarget) dest(extra ...any) []any {
	out := make([]any, 0, len(t.vals)+2+len(extra))
	out = append(out, &t.ticker, &t.ts)
	for i := range t.vals {
		out = append(out, &t.vals[i])
	}
	return append(out, extra...)
}

// record converts the last scanned row. NULL columns are left out of Fields.
func (t *scanTarget) record() *domain.RawRecord {
	r := &domain.RawRecord{
		Ticker:    t.ticker,
		Timestamp: t.ts,
		Fields:    make(map[string]decimal.Decimal, len(t.vals)),
	}
	for i, name := range t.ds.Fields() {
		if t.vals[i] != nil {
			r.Fields[name] = *t.vals[i]
		}
	}
	return r
}

// nullableFields returns one value per dataset column for batch appends; absent fields are nil.
func nullableFields(ds domain.Dataset, r *domain.RawRecord) []any {
	fields := ds.Fields()
	out := make([]any, len(fields))
	for i, name := range fields {
		if v, ok := r.Fields[name]; ok {
			d := v
			out[i] = &d
		} else {
			out[i] = (*decimal.Decimal)(nil)
		}
	}
	return out
}
