package domain

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RawRecord is a row as the backing store holds it, keyed by (ticker, timestamp).
// Fields holds the value columns under their store-internal names; a column that
// is absent or NULL in the store is absent from the map.
type RawRecord struct {
	Ticker    string
	Timestamp int64 // Unix epoch milliseconds, bucket start
	Fields    map[string]decimal.Decimal
}

// Clone returns a deep copy of r.
func (r *RawRecord) Clone() *RawRecord {
	if r == nil {
		return nil
	}
	c := &RawRecord{Ticker: r.Ticker, Timestamp: r.Timestamp}
	if r.Fields != nil {
		c.Fields = make(map[string]decimal.Decimal, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// RecordID derives the public identity of a bucket: "<ticker>_<timestamp>".
func RecordID(ticker string, timestamp int64) string {
	return ticker + "_" + strconv.FormatInt(timestamp, 10)
}
