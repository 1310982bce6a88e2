package indicator

import "math"

// RSI computes the Relative Strength Index over the trailing period deltas.
//
// Averages are simple means of the last period gains and losses (no Wilder
// smoothing). Returns 50 (neutral) when fewer than period+1 closes exist and
// 100 when there were no losses. The result is rounded to 2 decimals.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50.0
	}

	window := last(closes, period+1)
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return round2(100.0 - 100.0/(1.0+rs))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
