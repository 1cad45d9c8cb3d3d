package dataset

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-stats-stream/internal/domain"
)

var btcOnly = TickerPolicy{Default: "BTC-USD", Allowed: []string{"BTC-USD", "ETH-USD"}}

func TestClampBackfill(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 60},
		{"500", 120},
		{"120", 120},
		{"121", 120},
		{"-5", 60},
		{"abc", 60},
		{"10", 10},
		{"0", 0},
		{" 30 ", 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampBackfill(tt.raw), "backfill=%q", tt.raw)
	}
}

func TestParseParams_Defaults(t *testing.T) {
	p, err := ParseParams(domain.FamilyStats, url.Values{}, btcOnly)
	require.NoError(t, err)
	assert.Equal(t, Params{Ticker: "BTC-USD", GranularityMinutes: 1, BackfillMinutes: 60}, p)

	p, err = ParseParams(domain.FamilyMovingStats, url.Values{}, btcOnly)
	require.NoError(t, err)
	assert.Equal(t, Params{Ticker: "BTC-USD", GranularityMinutes: 5, BackfillMinutes: 60}, p)
}

func TestParseParams_Explicit(t *testing.T) {
	q := url.Values{"frequency": {"5"}, "backfill": {"10"}, "ticker": {"ETH-USD"}}
	p, err := ParseParams(domain.FamilyStats, q, btcOnly)
	require.NoError(t, err)
	assert.Equal(t, Params{Ticker: "ETH-USD", GranularityMinutes: 5, BackfillMinutes: 10}, p)
}

func TestParseParams_NonNumericFrequencyFallsBack(t *testing.T) {
	q := url.Values{"frequency": {"fast"}}
	p, err := ParseParams(domain.FamilyMovingStats, q, btcOnly)
	require.NoError(t, err)
	assert.Equal(t, 5, p.GranularityMinutes)
}

func TestParseParams_RejectsFrequency(t *testing.T) {
	for _, f := range []string{"7", "0", "15"} {
		_, err := ParseParams(domain.FamilyStats, url.Values{"frequency": {f}}, btcOnly)
		require.ErrorIs(t, err, ErrInvalidParameter, "frequency=%s", f)

		var pe *ParamError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, ParamFrequency, pe.Param)
	}
}

func TestParseParams_RejectsTicker(t *testing.T) {
	_, err := ParseParams(domain.FamilyPrice, url.Values{"ticker": {"DOGE-USD"}}, btcOnly)
	require.ErrorIs(t, err, ErrInvalidParameter)

	var pe *ParamError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ParamTicker, pe.Param)
}

func TestParseParams_PriceIgnoresFrequency(t *testing.T) {
	p, err := ParseParams(domain.FamilyPrice, url.Values{"frequency": {"7"}}, btcOnly)
	require.NoError(t, err)
	assert.Equal(t, Params{Ticker: "BTC-USD"}, p)
}

func TestParseParams_DefaultOnlyPolicy(t *testing.T) {
	policy := TickerPolicy{Default: "BTC-USD"}

	p, err := ParseParams(domain.FamilyStats, url.Values{"ticker": {"BTC-USD"}}, policy)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", p.Ticker)

	_, err = ParseParams(domain.FamilyStats, url.Values{"ticker": {"ETH-USD"}}, policy)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
