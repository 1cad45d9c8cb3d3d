package dataset

import (
	"net/url"
	"strconv"
	"strings"

	"crypto-stats-stream/internal/domain"
)

// Query parameter names.
const (
	ParamFrequency = "frequency"
	ParamBackfill  = "backfill"
	ParamTicker    = "ticker"
)

// Backfill window bounds, in minutes.
const (
	DefaultBackfillMinutes = 60
	MaxBackfillMinutes     = 120
)

// Params are the validated connection-time parameters of a session.
type Params struct {
	Ticker             string
	GranularityMinutes int
	BackfillMinutes    int
}

// TickerPolicy decides which tickers a session may request.
type TickerPolicy struct {
	Default string
	Allowed []string
}

func (p TickerPolicy) resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p.Default, nil
	}
	if len(p.Allowed) == 0 {
		if raw == p.Default {
			return raw, nil
		}
		return "", &ParamError{Param: ParamTicker, Value: raw}
	}
	for _, t := range p.Allowed {
		if t == raw {
			return raw, nil
		}
	}
	return "", &ParamError{Param: ParamTicker, Value: raw}
}

// ParseParams validates query parameters for a family.
//
// A missing or non-numeric frequency falls back to the family's smallest
// granularity; a numeric frequency outside the allowed set is rejected. A
// missing, negative or non-numeric backfill falls back to 60 minutes and
// anything above 120 is capped at 120.
func ParseParams(f domain.Family, q url.Values, tickers TickerPolicy) (Params, error) {
	ticker, err := tickers.resolve(q.Get(ParamTicker))
	if err != nil {
		return Params{}, err
	}
	p := Params{Ticker: ticker}
	if f == domain.FamilyPrice {
		return p, nil
	}

	allowedSet := Granularities(f)
	if len(allowedSet) == 0 {
		return Params{}, &ParamError{Param: "family", Value: string(f)}
	}

	p.GranularityMinutes = allowedSet[0]
	if n, ok := parseInt(q.Get(ParamFrequency)); ok {
		if !allowed(allowedSet, n) {
			return Params{}, &ParamError{Param: ParamFrequency, Value: q.Get(ParamFrequency)}
		}
		p.GranularityMinutes = n
	}

	p.BackfillMinutes = ClampBackfill(q.Get(ParamBackfill))
	return p, nil
}

// ClampBackfill parses a backfill window in minutes and clamps it to [0, 120].
func ClampBackfill(raw string) int {
	n, ok := parseInt(raw)
	if !ok || n < 0 {
		return DefaultBackfillMinutes
	}
	if n > MaxBackfillMinutes {
		return MaxBackfillMinutes
	}
	return n
}

func parseInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
