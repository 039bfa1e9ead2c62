package dispatcher

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const (
	SizingFixedPct           = "fixed_pct"
	SizingPercentRisk        = "percent_risk"
	SizingVolatilityAdjusted = "volatility_adjusted"
)

type Config struct {
	SizingMethod string `envconfig:"DISPATCHER_SIZING_METHOD" default:"fixed_pct"`

	// fixed_pct: fraction of the free quote balance committed per entry
	PositionSizePct float64 `envconfig:"DISPATCHER_POSITION_SIZE_PCT" default:"0.1"`

	// percent_risk: fraction of equity risked per trade, stop distance in
	// ATR multiples
	RiskPerTradePct float64 `envconfig:"DISPATCHER_RISK_PER_TRADE_PCT" default:"0.01"`
	ATRMultiplier   float64 `envconfig:"DISPATCHER_ATR_MULTIPLIER" default:"2"`

	// volatility_adjusted bounds
	MinSize float64 `envconfig:"DISPATCHER_MIN_SIZE" default:"0.001"`
	MaxSize float64 `envconfig:"DISPATCHER_MAX_SIZE" default:"1.0"`

	MaxDrawdownPct       float64 `envconfig:"DISPATCHER_MAX_DRAWDOWN_PCT" default:"0.2"`
	MaxConsecutiveLosses int     `envconfig:"DISPATCHER_MAX_CONSECUTIVE_LOSSES" default:"5"`
	DailyLossLimitPct    float64 `envconfig:"DISPATCHER_DAILY_LOSS_LIMIT_PCT" default:"0.05"`

	// VenueMinOrderAmount rejects dust that the venue would bounce anyway.
	VenueMinOrderAmount float64 `envconfig:"DISPATCHER_VENUE_MIN_ORDER_AMOUNT" default:"0.0001"`

	QuoteCurrency string `envconfig:"DISPATCHER_QUOTE_CURRENCY" default:"USDT"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
