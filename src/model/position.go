package model

import "math"

// PositionEpsilon is the size below which a position is treated as flat.
const PositionEpsilon = 1e-9

// Position is the signed net exposure of one strategy instance.
// Size > 0 is long, Size < 0 is short. Invariant: Size == 0 <=> AvgEntryPrice == 0.
// Only the strategy runtime mutates a position, and only on confirmed fills.
type Position struct {
	Size          float64 `json:"size"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}

func (p *Position) Flat() bool {
	return math.Abs(p.Size) < PositionEpsilon
}

// ApplyFill folds one confirmed fill into the position.
//
// Opening or increasing moves the average entry to the amount-weighted mean.
// Reducing leaves the average untouched. A fill large enough to flip the
// position starts a fresh entry at the fill price. Zero amount or zero price
// fills are ignored.
func (p *Position) ApplyFill(side string, amount, price float64) {
	if amount <= 0 || price <= 0 {
		return
	}

	fill := amount
	if side == OrderSideSell {
		fill = -amount
	}

	newSize := p.Size + fill

	switch {
	case math.Abs(newSize) < PositionEpsilon:
		p.Size = 0
		p.AvgEntryPrice = 0

	case p.Flat():
		p.Size = newSize
		p.AvgEntryPrice = price

	case sameSign(newSize, p.Size):
		p.AvgEntryPrice = (math.Abs(p.Size)*p.AvgEntryPrice + amount*price) / math.Abs(newSize)
		p.Size = newSize

	case math.Abs(fill) >= math.Abs(p.Size):
		// flip: the surviving exposure was opened by this fill
		p.Size = newSize
		p.AvgEntryPrice = price

	default:
		p.Size = newSize
	}
}

// UnrealizedPnlPct is the fractional move of price from entry, signed by side.
// Returns 0 when flat.
func (p *Position) UnrealizedPnlPct(price float64) float64 {
	if p.Flat() || p.AvgEntryPrice == 0 {
		return 0
	}
	pct := (price - p.AvgEntryPrice) / p.AvgEntryPrice
	if p.Size < 0 {
		pct = -pct
	}
	return pct
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
