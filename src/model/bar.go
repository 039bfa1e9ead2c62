package model

import "time"

// Bar is one OHLCV sample for a (venue, symbol, timeframe) window.
// Timestamps are millisecond epoch and non-decreasing per stream.
type Bar struct {
	Venue     string  `json:"venue"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	TsMs      int64   `json:"ts_ms"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Closed    bool    `json:"closed"`
}

func (b Bar) Time() time.Time {
	return time.UnixMilli(b.TsMs).UTC()
}

// StreamKey identifies the kline stream a bar belongs to.
func (b Bar) StreamKey() string {
	return b.Venue + ":" + b.Symbol + ":" + b.Timeframe
}
