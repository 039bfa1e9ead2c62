package strategy

import (
	"math"

	"tradecore/src/model"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mu := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// closes extracts the close series from a bar buffer.
func closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, bar := range bars {
		out[i] = bar.Close
	}
	return out
}

func lastN(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

// atr is the average true range over the last n bars. True range needs the
// previous close, so the first bar in the window contributes high-low only.
func atr(bars []model.Bar, n int) float64 {
	if len(bars) == 0 || n <= 0 {
		return 0
	}
	if len(bars) > n {
		bars = bars[len(bars)-n-1:]
	}

	sum := 0.0
	count := 0
	for i, bar := range bars {
		tr := bar.High - bar.Low
		if i > 0 {
			prevClose := bars[i-1].Close
			tr = math.Max(tr, math.Abs(bar.High-prevClose))
			tr = math.Max(tr, math.Abs(bar.Low-prevClose))
		} else if len(bars) > n {
			// seed bar only supplies the previous close
			continue
		}
		sum += tr
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
