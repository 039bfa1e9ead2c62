package model

const (
	SignalNone  = "none"
	SignalEnter = "enter"
	SignalExit  = "exit"
)

const (
	ExitReasonTakeProfit = "tp"
	ExitReasonStopLoss   = "sl"
	ExitReasonReversion  = "reversion"
	ExitReasonDuration   = "duration"
	ExitReasonDrawdown   = "drawdown"
)

// Signal is what a strategy emits for one bar. Kind selects the variant:
// Enter carries Side and an optional SizeHint, Exit carries Reason.
type Signal struct {
	Kind       string  `json:"kind"`
	StrategyID string  `json:"strategy_id"`
	Venue      string  `json:"venue"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side,omitempty"`
	SizeHint   float64 `json:"size_hint,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Price      float64 `json:"price"`
	TsMs       int64   `json:"ts_ms"`

	// Volatility context sampled from the emitting buffer, used by the
	// dispatcher's sizing rules.
	ATR   float64 `json:"atr,omitempty"`
	Sigma float64 `json:"sigma,omitempty"`
}

func NoSignal() Signal {
	return Signal{Kind: SignalNone}
}

func EnterSignal(side string, price float64) Signal {
	return Signal{Kind: SignalEnter, Side: side, Price: price}
}

func ExitSignal(reason string, price float64) Signal {
	return Signal{Kind: SignalExit, Reason: reason, Price: price}
}
