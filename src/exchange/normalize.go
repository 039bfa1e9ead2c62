package exchange

import (
	"strconv"
	"strings"
	"time"

	"tradecore/src/model"
)

// NormalizeSymbol collapses venue symbol spellings to the internal form:
// "BTC/USDT" and "btc-usdt" both become "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

// NormalizeTimeframe maps the timeframe spellings seen in the wild to the
// canonical short form: "1min" -> "1m", "60" -> "1h", "1440" -> "1d".
func NormalizeTimeframe(tf string) string {
	s := strings.ToLower(strings.TrimSpace(tf))

	if mins, err := strconv.Atoi(s); err == nil {
		return minutesToTimeframe(mins)
	}

	switch {
	case strings.HasSuffix(s, "min"):
		if mins, err := strconv.Atoi(strings.TrimSuffix(s, "min")); err == nil {
			return minutesToTimeframe(mins)
		}
	case strings.HasSuffix(s, "hour"):
		if hours, err := strconv.Atoi(strings.TrimSuffix(s, "hour")); err == nil {
			return minutesToTimeframe(hours * 60)
		}
	case strings.HasSuffix(s, "day"):
		if days, err := strconv.Atoi(strings.TrimSuffix(s, "day")); err == nil {
			return minutesToTimeframe(days * 1440)
		}
	}

	return s
}

func minutesToTimeframe(mins int) string {
	switch {
	case mins <= 0:
		return "1m"
	case mins%1440 == 0:
		return strconv.Itoa(mins/1440) + "d"
	case mins%60 == 0:
		return strconv.Itoa(mins/60) + "h"
	default:
		return strconv.Itoa(mins) + "m"
	}
}

// TimeframeDuration converts a canonical timeframe to its wall duration.
// Unparseable input falls back to one minute.
func TimeframeDuration(tf string) time.Duration {
	s := NormalizeTimeframe(tf)
	if len(s) < 2 {
		return time.Minute
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return time.Minute
	}

	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// NormalizeSide folds venue side spellings into the model constants.
func NormalizeSide(side string) string {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "bid", "long":
		return model.OrderSideBuy
	case "sell", "ask", "short":
		return model.OrderSideSell
	}
	return strings.ToLower(side)
}
