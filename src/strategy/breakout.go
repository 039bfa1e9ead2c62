package strategy

import (
	"tradecore/src/model"
)

// Breakout trades band breaks: an N-period rolling mean with bands at
// k standard deviations. A close crossing the upper band while flat opens a
// long, the lower band a short. Exits are take-profit, stop-loss, or the
// price re-crossing the mean far enough on the opposing side.
type Breakout struct {
	lookback       int
	multiplier     float64
	takeProfit     float64
	stopLoss       float64
	resetThreshold float64
}

func NewBreakout(params Params) (*Breakout, error) {
	lookback, err := validateLookback(KindBreakout, params.get("lookback_period", 20))
	if err != nil {
		return nil, err
	}

	b := &Breakout{
		lookback:       lookback,
		multiplier:     params.get("volatility_multiplier", 2.0),
		takeProfit:     params.get("take_profit", 0.05),
		stopLoss:       params.get("stop_loss", 0.02),
		resetThreshold: params.get("reset_threshold", 0.5),
	}

	if b.multiplier <= 0 {
		return nil, paramErr(KindBreakout, "volatility_multiplier must be > 0, got %v", b.multiplier)
	}
	if err := validateFraction(KindBreakout, "take_profit", b.takeProfit); err != nil {
		return nil, err
	}
	if err := validateFraction(KindBreakout, "stop_loss", b.stopLoss); err != nil {
		return nil, err
	}
	if b.resetThreshold <= 0 || b.resetThreshold > 1 {
		return nil, paramErr(KindBreakout, "reset_threshold must be in (0, 1], got %v", b.resetThreshold)
	}
	return b, nil
}

func (b *Breakout) Kind() string  { return KindBreakout }
func (b *Breakout) Lookback() int { return b.lookback }

func (b *Breakout) OnBar(bars []model.Bar, position model.Position) model.Signal {
	series := closes(bars)
	if len(series) < b.lookback {
		return model.NoSignal()
	}

	window := lastN(series, b.lookback)
	mu := mean(window)
	sigma := stddev(window)
	upper := mu + b.multiplier*sigma
	lower := mu - b.multiplier*sigma

	price := series[len(series)-1]
	prev := price
	if len(series) > 1 {
		prev = series[len(series)-2]
	}

	// exits take priority over entries
	if !position.Flat() {
		pnl := position.UnrealizedPnlPct(price)
		switch {
		case pnl >= b.takeProfit:
			return model.ExitSignal(model.ExitReasonTakeProfit, price)
		case pnl <= -b.stopLoss:
			return model.ExitSignal(model.ExitReasonStopLoss, price)
		}

		// mean reversion reset: price back past the mean by a fraction of
		// the half band width
		reset := b.resetThreshold * b.multiplier * sigma
		if position.Size > 0 && price < mu-reset {
			return model.ExitSignal(model.ExitReasonReversion, price)
		}
		if position.Size < 0 && price > mu+reset {
			return model.ExitSignal(model.ExitReasonReversion, price)
		}
		return model.NoSignal()
	}

	switch {
	case prev <= upper && price > upper:
		return model.EnterSignal(model.OrderSideBuy, price)
	case prev >= lower && price < lower:
		return model.EnterSignal(model.OrderSideSell, price)
	}
	return model.NoSignal()
}
