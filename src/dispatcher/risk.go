package dispatcher

import (
	"sync"
	"time"

	"tradecore/src/exchange"
)

// RiskManager enforces the account-level limits checked before every entry:
// peak drawdown, consecutive losses, daily loss and venue dust minimum.
type RiskManager struct {
	config *Config
	now    func() time.Time

	mu           sync.Mutex
	peakEquity   float64
	day          string
	dayOpen      float64
	consecLosses int
}

func NewRiskManager(config *Config) *RiskManager {
	return &RiskManager{config: config, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (r *RiskManager) SetClock(now func() time.Time) {
	r.now = now
}

func reject(msg string, args ...any) error {
	return exchange.E(exchange.KindRiskReject, "dispatcher.Check", msg, args...)
}

// Check returns a RiskReject error when any limit blocks a new entry.
func (r *RiskManager) Check(equity, amount float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.roll(equity)

	if equity > r.peakEquity {
		r.peakEquity = equity
	}
	if r.peakEquity > 0 {
		drawdown := (r.peakEquity - equity) / r.peakEquity
		if drawdown > r.config.MaxDrawdownPct {
			return reject("drawdown %.2f%% exceeds limit %.2f%%", drawdown*100, r.config.MaxDrawdownPct*100)
		}
	}

	if r.consecLosses > r.config.MaxConsecutiveLosses {
		return reject("%d consecutive losses exceed limit %d", r.consecLosses, r.config.MaxConsecutiveLosses)
	}

	if r.dayOpen > 0 {
		dailyLoss := (r.dayOpen - equity) / r.dayOpen
		if dailyLoss > r.config.DailyLossLimitPct {
			return reject("daily loss %.2f%% exceeds limit %.2f%%", dailyLoss*100, r.config.DailyLossLimitPct*100)
		}
	}

	if amount < r.config.VenueMinOrderAmount {
		return reject("amount %v below venue minimum %v", amount, r.config.VenueMinOrderAmount)
	}
	return nil
}

// RecordOutcome feeds a realized trade result into the loss streak.
func (r *RiskManager) RecordOutcome(pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pnl < 0 {
		r.consecLosses++
	} else if pnl > 0 {
		r.consecLosses = 0
	}
}

// roll resets the daily baseline at the first check of each UTC day.
// Caller holds the lock.
func (r *RiskManager) roll(equity float64) {
	today := r.now().UTC().Format("2006-01-02")
	if today != r.day {
		r.day = today
		r.dayOpen = equity
	}
}
