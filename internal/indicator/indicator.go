// Package indicator provides technical indicator calculations over candle closes.
//
// Every function is pure: it takes an ordered slice of closing prices (most
// recent last), never mutates it, and returns a defined default instead of an
// error when the window is too short.
package indicator

import "trading-pipeline/internal/model"

const (
	// MinCandles is the shortest window for which Compute produces indicators.
	MinCandles = 14

	SMAPeriod = 20
	RSIPeriod = 14

	// TrendWindow and VolatilityWindow are the trailing close counts examined.
	TrendWindow      = 6
	VolatilityWindow = 12

	// TrendThresholdPct is the absolute % move that separates a trend from noise.
	TrendThresholdPct = 1.0
)

// Compute derives the indicator set for a close window.
// Returns an empty (invalid) set when fewer than MinCandles closes are given.
func Compute(closes []float64) model.IndicatorSet {
	if len(closes) < MinCandles {
		return model.IndicatorSet{}
	}
	set := model.IndicatorSet{
		Valid: true,
		SMA20: SMA(closes, SMAPeriod),
		RSI14: RSI(closes, RSIPeriod),
	}
	set.PriceVsSMA, set.HasPriceVsSMA = PriceVsSMA(closes)
	return set
}

// last returns the trailing n values of closes (or all of them if shorter).
func last(closes []float64, n int) []float64 {
	if len(closes) <= n {
		return closes
	}
	return closes[len(closes)-n:]
}
