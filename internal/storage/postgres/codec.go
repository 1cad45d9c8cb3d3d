package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/projection"
)

// numericToDecimal converts a NUMERIC value. ok is false for NULL.
func numericToDecimal(n pgtype.Numeric) (d decimal.Decimal, ok bool, err error) {
	if !n.Valid {
		return decimal.Decimal{}, false, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Decimal{}, false, fmt.Errorf("non-finite numeric: %w", projection.ErrMalformedRecord)
	}
	if n.Int == nil {
		return decimal.Zero, true, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), true, nil
}

// scanRecord reads one dataset row. NULL columns are left out of Fields.
func scanRecord(ds domain.Dataset, row pgx.Row) (*domain.RawRecord, error) {
	fields := ds.Fields()
	nums := make([]pgtype.Numeric, len(fields))

	r := &domain.RawRecord{Fields: make(map[string]decimal.Decimal, len(fields))}
	dest := make([]any, 0, len(fields)+2)
	dest = append(dest, &r.Ticker, &r.Timestamp)
	for i := range nums {
		dest = append(dest, &nums[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	for i, name := range fields {
		d, ok, err := numericToDecimal(nums[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		if ok {
			r.Fields[name] = d
		}
	}
	return r, nil
}

// changePayload is the NOTIFY body emitted by notify_dataset_change().
type changePayload struct {
	Op  domain.OpKind              `json:"op"`
	Row map[string]json.RawMessage `json:"row"`
}

// decodeChange parses a notification payload into a change event.
func decodeChange(ds domain.Dataset, payload string) (domain.RawChange, error) {
	var p changePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return domain.RawChange{}, fmt.Errorf("decode notification: %w", err)
	}
	if !p.Op.Valid() {
		return domain.RawChange{}, fmt.Errorf("unknown operation %q", p.Op)
	}

	r := &domain.RawRecord{Fields: make(map[string]decimal.Decimal)}
	if raw, ok := p.Row["tick"]; ok {
		if err := json.Unmarshal(raw, &r.Ticker); err != nil {
			return domain.RawChange{}, fmt.Errorf("decode tick: %w", err)
		}
	}
	if raw, ok := p.Row["ts"]; ok {
		if err := json.Unmarshal(raw, &r.Timestamp); err != nil {
			return domain.RawChange{}, fmt.Errorf("decode ts: %w", err)
		}
	}
	for _, name := range ds.Fields() {
		raw, ok := p.Row[name]
		if !ok || string(raw) == "null" {
			continue
		}
		d, err := decimal.NewFromString(string(raw))
		if err != nil {
			return domain.RawChange{}, fmt.Errorf("decode %s: %w", name, err)
		}
		r.Fields[name] = d
	}

	return domain.RawChange{Op: p.Op, Dataset: ds.Name, Record: r}, nil
}
