package strategy

import (
	"tradecore/src/model"
)

// MeanReversion fades extremes: it opens against moves whose z-score over
// the last N closes exceeds entry_z, and closes the trade when the z-score
// comes back inside exit_z, or on take-profit or stop-loss.
type MeanReversion struct {
	lookback   int
	entryZ     float64
	exitZ      float64
	takeProfit float64
	stopLoss   float64
}

func NewMeanReversion(params Params) (*MeanReversion, error) {
	lookback, err := validateLookback(KindMeanReversion, params.get("lookback_period", 20))
	if err != nil {
		return nil, err
	}

	m := &MeanReversion{
		lookback:   lookback,
		entryZ:     params.get("entry_z", 2.0),
		exitZ:      params.get("exit_z", 0.5),
		takeProfit: params.get("take_profit", 0.05),
		stopLoss:   params.get("stop_loss", 0.02),
	}

	if m.entryZ < 1.0 || m.entryZ > 3.0 {
		return nil, paramErr(KindMeanReversion, "entry_z must be in [1.0, 3.0], got %v", m.entryZ)
	}
	if m.exitZ < 0.1 || m.exitZ > 1.5 {
		return nil, paramErr(KindMeanReversion, "exit_z must be in [0.1, 1.5], got %v", m.exitZ)
	}
	if m.exitZ >= m.entryZ {
		return nil, paramErr(KindMeanReversion, "exit_z must be below entry_z")
	}
	if err := validateFraction(KindMeanReversion, "take_profit", m.takeProfit); err != nil {
		return nil, err
	}
	if err := validateFraction(KindMeanReversion, "stop_loss", m.stopLoss); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MeanReversion) Kind() string  { return KindMeanReversion }
func (m *MeanReversion) Lookback() int { return m.lookback }

func (m *MeanReversion) OnBar(bars []model.Bar, position model.Position) model.Signal {
	series := closes(bars)
	if len(series) < m.lookback {
		return model.NoSignal()
	}

	window := lastN(series, m.lookback)
	mu := mean(window)
	sigma := stddev(window)
	price := series[len(series)-1]

	if !position.Flat() {
		pnl := position.UnrealizedPnlPct(price)
		switch {
		case pnl >= m.takeProfit:
			return model.ExitSignal(model.ExitReasonTakeProfit, price)
		case pnl <= -m.stopLoss:
			return model.ExitSignal(model.ExitReasonStopLoss, price)
		}

		if sigma == 0 {
			return model.NoSignal()
		}
		z := (price - mu) / sigma
		if position.Size > 0 && z >= -m.exitZ {
			return model.ExitSignal(model.ExitReasonReversion, price)
		}
		if position.Size < 0 && z <= m.exitZ {
			return model.ExitSignal(model.ExitReasonReversion, price)
		}
		return model.NoSignal()
	}

	if sigma == 0 {
		return model.NoSignal()
	}
	z := (price - mu) / sigma
	switch {
	case z < -m.entryZ:
		return model.EnterSignal(model.OrderSideBuy, price)
	case z > m.entryZ:
		return model.EnterSignal(model.OrderSideSell, price)
	}
	return model.NoSignal()
}
