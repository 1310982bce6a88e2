package model

import (
	"encoding/json"
	"time"
)

// Candle is one OHLCV bar. Prices are float64: candles only feed indicator math.
type Candle struct {
	OpenTime time.Time `json:"timestamp"` // bar start (UTC)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleSeries is a bounded, ordered window of candles for one symbol.
// A series is replaced wholesale on refresh and never mutated in place.
type CandleSeries struct {
	Symbol    string
	Interval  string
	Candles   []Candle // oldest first
	FetchedAt time.Time
}

// Len returns the number of candles in the window.
func (s *CandleSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Candles)
}

// Closes returns a fresh slice of closing prices, most recent last.
func (s *CandleSeries) Closes() []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}
