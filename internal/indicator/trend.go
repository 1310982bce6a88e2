package indicator

import (
	"math"

	"trading-pipeline/internal/model"
)

// Trend classifies the % change across the last TrendWindow closes.
// Fewer than 2 closes are neutral.
func Trend(closes []float64) model.Trend {
	if len(closes) < 2 {
		return model.TrendNeutral
	}
	window := last(closes, TrendWindow)
	first, latest := window[0], window[len(window)-1]
	if first == 0 {
		return model.TrendNeutral
	}

	change := (latest - first) / first * 100
	switch {
	case change > TrendThresholdPct:
		return model.TrendBullish
	case change < -TrendThresholdPct:
		return model.TrendBearish
	default:
		return model.TrendNeutral
	}
}

// Volatility returns the mean absolute % change between consecutive closes
// over the last VolatilityWindow closes. Fewer than 2 closes yield 0.
func Volatility(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	window := last(closes, VolatilityWindow)

	sum := 0.0
	n := 0
	for i := 1; i < len(window); i++ {
		prev := window[i-1]
		if prev == 0 {
			continue
		}
		sum += math.Abs((window[i] - prev) / prev * 100)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
