package model

import (
	"encoding/json"
	"time"
)

// Trend classifies short-term direction over the recent close window.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// Indicator map keys exposed to downstream consumers.
const (
	KeySMA20      = "sma_20"
	KeyRSI14      = "rsi_14"
	KeyPriceVsSMA = "price_vs_sma"
)

// IndicatorSet holds the candle-derived indicators for one snapshot.
// Valid is false when the window was too short to compute anything; the
// mapping form is then empty.
type IndicatorSet struct {
	Valid         bool
	SMA20         float64
	RSI14         float64
	PriceVsSMA    float64
	HasPriceVsSMA bool // false when SMA20 is 0
}

// Map returns a new mapping of indicator name → value.
func (s IndicatorSet) Map() map[string]float64 {
	m := make(map[string]float64, 3)
	if !s.Valid {
		return m
	}
	m[KeySMA20] = s.SMA20
	m[KeyRSI14] = s.RSI14
	if s.HasPriceVsSMA {
		m[KeyPriceVsSMA] = s.PriceVsSMA
	}
	return m
}

func (s IndicatorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

// MarketSnapshot is the immutable view handed to decision logic.
// It holds only value fields, so copies never alias.
type MarketSnapshot struct {
	Symbol       string       `json:"symbol"`
	CurrentPrice float64      `json:"current_price"`
	Timestamp    time.Time    `json:"timestamp"`
	Trend        Trend        `json:"trend"`
	Volatility   float64      `json:"volatility"`
	Indicators   IndicatorSet `json:"indicators"`

	// 24h ticker context, zero when the price source did not carry it.
	PriceChange24h float64 `json:"price_change_24h"`
	Volume24h      float64 `json:"volume_24h"`
	High24h        float64 `json:"high_24h"`
	Low24h         float64 `json:"low_24h"`

	// PriceSource is "stream" or "poll".
	PriceSource string `json:"price_source"`
}

// Price source labels.
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
)

// JSON returns the JSON-encoded snapshot (ignoring errors for hot-path usage).
func (s *MarketSnapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
