// Package projection maps store rows and change events into the public wire shapes.
// All functions are pure: they never mutate their input and keep no state.
package projection

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"crypto-stats-stream/internal/domain"
)

// ErrMalformedRecord is returned when a record lacks a field its family requires.
var ErrMalformedRecord = errors.New("malformed record")

// Change is a projected change event: the wire payload paired with its operation.
type Change struct {
	Op      domain.OpKind
	Payload any
}

// Price projects a candle row into the latest-price shape, reading its close.
func Price(raw *domain.RawRecord) (domain.TickPoint, error) {
	if err := checkKey(raw); err != nil {
		return domain.TickPoint{}, err
	}
	price, err := field(raw, domain.FieldClose)
	if err != nil {
		return domain.TickPoint{}, err
	}
	return domain.TickPoint{Ticker: raw.Ticker, Timestamp: raw.Timestamp, Price: price}, nil
}

// Candle projects a candle row, deriving its id and renaming intra_avg to avg.
func Candle(raw *domain.RawRecord) (domain.CandleRecord, error) {
	if err := checkKey(raw); err != nil {
		return domain.CandleRecord{}, err
	}

	var vals [5]decimal.Decimal
	for i, name := range []string{domain.FieldOpen, domain.FieldHigh, domain.FieldLow, domain.FieldClose, domain.FieldIntraAvg} {
		v, err := field(raw, name)
		if err != nil {
			return domain.CandleRecord{}, err
		}
		vals[i] = v
	}

	return domain.CandleRecord{
		ID:        domain.RecordID(raw.Ticker, raw.Timestamp),
		Ticker:    raw.Ticker,
		Timestamp: raw.Timestamp,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Avg:       vals[4],
	}, nil
}

// MovingAverage projects a moving-average row.
func MovingAverage(raw *domain.RawRecord) (domain.MovingAveragePoint, error) {
	if err := checkKey(raw); err != nil {
		return domain.MovingAveragePoint{}, err
	}
	price, err := field(raw, domain.FieldPrice)
	if err != nil {
		return domain.MovingAveragePoint{}, err
	}
	return domain.MovingAveragePoint{
		ID:        domain.RecordID(raw.Ticker, raw.Timestamp),
		Ticker:    raw.Ticker,
		Timestamp: raw.Timestamp,
		Price:     price,
	}, nil
}

// Record projects a row into the wire shape of the given family.
func Record(f domain.Family, raw *domain.RawRecord) (any, error) {
	switch f {
	case domain.FamilyPrice:
		return Price(raw)
	case domain.FamilyStats:
		return Candle(raw)
	case domain.FamilyMovingStats:
		return MovingAverage(raw)
	}
	return nil, fmt.Errorf("%w: unknown family %q", ErrMalformedRecord, f)
}

// ProjectChange projects a change event for the given family.
func ProjectChange(f domain.Family, c domain.RawChange) (Change, error) {
	if !c.Op.Valid() {
		return Change{}, fmt.Errorf("%w: unknown operation %q", ErrMalformedRecord, c.Op)
	}
	payload, err := Record(f, c.Record)
	if err != nil {
		return Change{}, err
	}
	return Change{Op: c.Op, Payload: payload}, nil
}

func checkKey(raw *domain.RawRecord) error {
	if raw == nil {
		return fmt.Errorf("%w: nil record", ErrMalformedRecord)
	}
	if raw.Ticker == "" {
		return fmt.Errorf("%w: missing ticker", ErrMalformedRecord)
	}
	if raw.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	return nil
}

func field(raw *domain.RawRecord, name string) (decimal.Decimal, error) {
	v, ok := raw.Fields[name]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %d missing field %q",
			ErrMalformedRecord, raw.Ticker, raw.Timestamp, name)
	}
	return v, nil
}
