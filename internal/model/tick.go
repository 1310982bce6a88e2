package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is one 24h-ticker event for a symbol, as pushed by the stream
// or polled from the REST fallback. Prices are decimals to keep the
// string-encoded wire values exact.
type PriceTick struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	ChangePct24h decimal.Decimal `json:"price_change_24h"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	High24h      decimal.Decimal `json:"high_24h"`
	Low24h       decimal.Decimal `json:"low_24h"`
	EventTime    time.Time       `json:"event_time"` // UTC
}

// Valid reports whether the tick carries a symbol and a positive price.
func (t PriceTick) Valid() bool {
	return t.Symbol != "" && t.Price.IsPositive()
}

// PriceFloat returns the last price as float64 for indicator math.
func (t PriceTick) PriceFloat() float64 {
	return t.Price.InexactFloat64()
}

// NormalizeSymbol returns the canonical upper-case form of a trading pair,
// e.g. " btcusdt " → "BTCUSDT".
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes and de-duplicates a symbol list, preserving order
// and dropping blanks.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
