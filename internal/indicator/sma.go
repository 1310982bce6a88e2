package indicator

// SMA returns the arithmetic mean of the last period closes.
// Returns 0 when fewer than period closes are available.
func SMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	sum := 0.0
	for _, c := range last(closes, period) {
		sum += c
	}
	return sum / float64(period)
}

// PriceVsSMA returns how far the last close sits above (+) or below (−) the
// 20-period SMA, in percent. ok is false when the SMA is 0 (short window).
func PriceVsSMA(closes []float64) (pct float64, ok bool) {
	sma := SMA(closes, SMAPeriod)
	if sma == 0 {
		return 0, false
	}
	return (closes[len(closes)-1]/sma - 1) * 100, true
}
