package dispatcher

import (
	"github.com/shopspring/decimal"

	"tradecore/src/exchange"
)

// amountPrecision is the decimal precision order amounts are rounded to.
const amountPrecision = 8

// SizingInputs is everything a sizing rule may consume. Volatility figures
// come from the signal, balances from the venue.
type SizingInputs struct {
	Price     float64
	FreeQuote float64
	Equity    float64
	ATR       float64
	Sigma     float64
}

// Sizer turns a signal into an order amount using the configured method.
// All arithmetic runs on decimals and rounds once at the end, so repeated
// sizing of the same inputs is bit-stable.
type Sizer struct {
	config *Config
}

func NewSizer(config *Config) *Sizer {
	return &Sizer{config: config}
}

func (s *Sizer) Amount(in SizingInputs) (float64, error) {
	const op = "dispatcher.Amount"

	if in.Price <= 0 {
		return 0, exchange.E(exchange.KindInvalidParams, op, "price must be positive")
	}

	price := decimal.NewFromFloat(in.Price)

	var amount decimal.Decimal
	switch s.config.SizingMethod {
	case SizingFixedPct:
		amount = decimal.NewFromFloat(in.FreeQuote).
			Mul(decimal.NewFromFloat(s.config.PositionSizePct)).
			Div(price)

	case SizingPercentRisk:
		if in.ATR <= 0 {
			return 0, exchange.E(exchange.KindRiskReject, op, "no volatility estimate for percent_risk sizing")
		}
		riskAmount := decimal.NewFromFloat(in.Equity).Mul(decimal.NewFromFloat(s.config.RiskPerTradePct))
		stopDistance := decimal.NewFromFloat(s.config.ATRMultiplier).Mul(decimal.NewFromFloat(in.ATR))
		amount = riskAmount.Div(stopDistance.Mul(price))

	case SizingVolatilityAdjusted:
		if in.Sigma <= 0 {
			return 0, exchange.E(exchange.KindRiskReject, op, "no volatility estimate for volatility_adjusted sizing")
		}
		raw := decimal.NewFromFloat(in.Equity).
			Mul(decimal.NewFromFloat(s.config.RiskPerTradePct)).
			Div(decimal.NewFromFloat(in.Sigma).Mul(price))
		amount = clampDecimal(raw, s.config.MinSize, s.config.MaxSize)

	default:
		return 0, exchange.E(exchange.KindInvalidParams, op, "unknown sizing method %q", s.config.SizingMethod)
	}

	result, _ := amount.Round(amountPrecision).Float64()
	if result < 0 {
		result = 0
	}
	return result, nil
}

func clampDecimal(d decimal.Decimal, min, max float64) decimal.Decimal {
	lo := decimal.NewFromFloat(min)
	hi := decimal.NewFromFloat(max)
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}
