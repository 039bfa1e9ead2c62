package strategy

import (
	"tradecore/src/exchange"
	"tradecore/src/model"
)

const (
	KindBreakout      = "breakout_reset"
	KindMeanReversion = "mean_reversion"
)

// Strategy is the per-bar decision contract. OnBar receives the closed-bar
// buffer (oldest first, current bar last) and a read-only snapshot of the
// position; it must be pure apart from the returned signal.
type Strategy interface {
	Kind() string
	Lookback() int
	OnBar(bars []model.Bar, position model.Position) model.Signal
}

// Params is the raw parameter map a strategy kind is constructed from.
type Params map[string]float64

func (p Params) get(name string, fallback float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return fallback
}

// New builds a validated strategy instance of the given kind.
func New(kind string, params Params) (Strategy, error) {
	switch kind {
	case KindBreakout:
		return NewBreakout(params)
	case KindMeanReversion:
		return NewMeanReversion(params)
	default:
		return nil, exchange.E(exchange.KindInvalidParams, "strategy.New", "unknown strategy kind %q", kind)
	}
}

func paramErr(kind, msg string, args ...any) error {
	return exchange.E(exchange.KindInvalidParams, "strategy."+kind, msg, args...)
}

func validateLookback(kind string, n float64) (int, error) {
	lookback := int(n)
	if float64(lookback) != n || lookback < 5 || lookback > 200 {
		return 0, paramErr(kind, "lookback_period must be an integer in [5, 200], got %v", n)
	}
	return lookback, nil
}

func validateFraction(kind, name string, v float64) error {
	if v < 0.001 || v > 1.0 {
		return paramErr(kind, "%s must be in [0.001, 1.0], got %v", name, v)
	}
	return nil
}
