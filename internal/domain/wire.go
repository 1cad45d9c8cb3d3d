package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

func init() {
	// Charting clients consume prices as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Outbound event names.
const (
	EventUpdate   = "update"
	EventInit     = "init"
	EventErrorMsg = "errorMsg"
)

// TickPoint is the latest trade price of a ticker.
type TickPoint struct {
	Ticker    string          `json:"ticker"`
	Timestamp int64           `json:"-"`
	Price     decimal.Decimal `json:"price"`
}

// CandleRecord is one OHLC bucket of a stats dataset.
type CandleRecord struct {
	ID        string          `json:"id"`
	Ticker    string          `json:"ticker"`
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Avg       decimal.Decimal `json:"avg"`
}

// MovingAveragePoint is one bucket of a moving-average dataset.
type MovingAveragePoint struct {
	ID        string          `json:"id"`
	Ticker    string          `json:"ticker"`
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// ErrorMessage is the payload of an errorMsg event.
type ErrorMessage struct {
	Message string `json:"message"`
}

// Frame is one WebSocket text message: an event name and its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
