package model

import (
	"math"
	"testing"
)

func TestApplyFillRoundTrip(t *testing.T) {
	p := &Position{}

	p.ApplyFill(OrderSideBuy, 0.5, 40000)
	p.ApplyFill(OrderSideSell, 0.5, 41000)

	if p.Size != 0 || p.AvgEntryPrice != 0 {
		t.Fatalf("round trip should flatten. got size=%v avg=%v", p.Size, p.AvgEntryPrice)
	}
}

func TestApplyFillFlip(t *testing.T) {
	p := &Position{Size: 0.1, AvgEntryPrice: 50000}

	p.ApplyFill(OrderSideSell, 0.15, 51000)

	if math.Abs(p.Size-(-0.05)) > 1e-12 {
		t.Fatalf("flip size mismatch. got=%v want=-0.05", p.Size)
	}
	if p.AvgEntryPrice != 51000 {
		t.Fatalf("flip avg mismatch. got=%v want=51000", p.AvgEntryPrice)
	}
}

func TestApplyFillTable(t *testing.T) {
	tests := []struct {
		name     string
		start    Position
		side     string
		amount   float64
		price    float64
		wantSize float64
		wantAvg  float64
	}{
		{
			name:     "open long from flat",
			side:     OrderSideBuy,
			amount:   1,
			price:    100,
			wantSize: 1,
			wantAvg:  100,
		},
		{
			name:     "open short from flat",
			side:     OrderSideSell,
			amount:   2,
			price:    200,
			wantSize: -2,
			wantAvg:  200,
		},
		{
			name:     "increase long reweights average",
			start:    Position{Size: 1, AvgEntryPrice: 100},
			side:     OrderSideBuy,
			amount:   1,
			price:    110,
			wantSize: 2,
			wantAvg:  105,
		},
		{
			name:     "reduce keeps average",
			start:    Position{Size: 2, AvgEntryPrice: 100},
			side:     OrderSideSell,
			amount:   1,
			price:    120,
			wantSize: 1,
			wantAvg:  100,
		},
		{
			name:     "increase short reweights average",
			start:    Position{Size: -1, AvgEntryPrice: 100},
			side:     OrderSideSell,
			amount:   3,
			price:    80,
			wantSize: -4,
			wantAvg:  85,
		},
		{
			name:     "zero amount ignored",
			start:    Position{Size: 1, AvgEntryPrice: 100},
			side:     OrderSideBuy,
			amount:   0,
			price:    50,
			wantSize: 1,
			wantAvg:  100,
		},
		{
			name:     "zero price ignored",
			start:    Position{Size: 1, AvgEntryPrice: 100},
			side:     OrderSideSell,
			amount:   1,
			price:    0,
			wantSize: 1,
			wantAvg:  100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.start
			p.ApplyFill(tt.side, tt.amount, tt.price)

			if math.Abs(p.Size-tt.wantSize) > 1e-12 {
				t.Fatalf("size mismatch. got=%v want=%v", p.Size, tt.wantSize)
			}
			if math.Abs(p.AvgEntryPrice-tt.wantAvg) > 1e-9 {
				t.Fatalf("avg mismatch. got=%v want=%v", p.AvgEntryPrice, tt.wantAvg)
			}

			if p.Flat() != (p.AvgEntryPrice == 0) {
				t.Fatalf("flat invariant broken. size=%v avg=%v", p.Size, p.AvgEntryPrice)
			}
		})
	}
}

func TestUnrealizedPnlPct(t *testing.T) {
	long := &Position{Size: 1, AvgEntryPrice: 100}
	if got := long.UnrealizedPnlPct(110); math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("long pnl mismatch. got=%v", got)
	}

	short := &Position{Size: -1, AvgEntryPrice: 100}
	if got := short.UnrealizedPnlPct(110); math.Abs(got-(-0.1)) > 1e-12 {
		t.Fatalf("short pnl mismatch. got=%v", got)
	}

	flat := &Position{}
	if got := flat.UnrealizedPnlPct(110); got != 0 {
		t.Fatalf("flat pnl should be zero. got=%v", got)
	}
}
