package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/exchange"
)

func sizingConfig(method string) *Config {
	return &Config{
		SizingMethod:         method,
		PositionSizePct:      0.1,
		RiskPerTradePct:      0.01,
		ATRMultiplier:        2,
		MinSize:              0.001,
		MaxSize:              1.0,
		MaxDrawdownPct:       0.2,
		MaxConsecutiveLosses: 5,
		DailyLossLimitPct:    0.05,
		VenueMinOrderAmount:  0.0001,
		QuoteCurrency:        "USDT",
	}
}

func TestSizingFixedPct(t *testing.T) {
	s := NewSizer(sizingConfig(SizingFixedPct))

	amount, err := s.Amount(SizingInputs{Price: 110, FreeQuote: 10_000})
	require.NoError(t, err)
	assert.InDelta(t, 9.09090909, amount, 1e-8)
}

func TestSizingPercentRisk(t *testing.T) {
	s := NewSizer(sizingConfig(SizingPercentRisk))

	// risk = 10000 * 1% = 100; stop distance = 2 * ATR(5) = 10
	amount, err := s.Amount(SizingInputs{Price: 100, Equity: 10_000, ATR: 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, amount, 1e-8)
}

func TestSizingPercentRiskNeedsATR(t *testing.T) {
	s := NewSizer(sizingConfig(SizingPercentRisk))

	_, err := s.Amount(SizingInputs{Price: 100, Equity: 10_000})
	assert.Equal(t, exchange.KindRiskReject, exchange.KindOf(err))
}

func TestSizingVolatilityAdjusted(t *testing.T) {
	s := NewSizer(sizingConfig(SizingVolatilityAdjusted))

	amount, err := s.Amount(SizingInputs{Price: 100, Equity: 10_000, Sigma: 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, amount, 1e-8)

	// tiny sigma clamps to the upper bound
	amount, err = s.Amount(SizingInputs{Price: 100, Equity: 10_000, Sigma: 0.01})
	require.NoError(t, err)
	assert.Equal(t, 1.0, amount)

	// huge sigma clamps to the lower bound
	amount, err = s.Amount(SizingInputs{Price: 100, Equity: 10_000, Sigma: 10_000})
	require.NoError(t, err)
	assert.Equal(t, 0.001, amount)
}

func TestSizingRejectsBadInputs(t *testing.T) {
	s := NewSizer(sizingConfig(SizingFixedPct))
	_, err := s.Amount(SizingInputs{Price: 0, FreeQuote: 100})
	assert.Equal(t, exchange.KindInvalidParams, exchange.KindOf(err))

	s = NewSizer(sizingConfig("martingale"))
	_, err = s.Amount(SizingInputs{Price: 100})
	assert.Equal(t, exchange.KindInvalidParams, exchange.KindOf(err))
}
