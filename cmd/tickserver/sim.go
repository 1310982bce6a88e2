package main

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

var basePrices = map[string]float64{
	"BTCUSDT": 50000,
	"ETHUSDT": 3000,
	"BNBUSDT": 400,
	"SOLUSDT": 100,
}

// instrument holds per-symbol random-walk state.
type instrument struct {
	Symbol string
	Open   float64 // price 24h ago
	Price  float64
	High   float64
	Low    float64
	Volume float64
}

// market simulates the upstream exchange for a fixed symbol set.
type market struct {
	mu    sync.Mutex
	rng   *rand.Rand
	insts map[string]*instrument
	order []string
}

func newMarket(symbols []string, seed int64) *market {
	m := &market{
		rng:   rand.New(rand.NewSource(seed)),
		insts: make(map[string]*instrument, len(symbols)),
	}
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || m.insts[s] != nil {
			continue
		}
		p := basePrice(s)
		m.insts[s] = &instrument{Symbol: s, Open: p, Price: p, High: p, Low: p}
		m.order = append(m.order, s)
	}
	return m
}

func basePrice(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	return 1000
}

// step applies a tiny random walk (±0.1%) to every symbol and returns a copy
// of the new state.
func (m *market) step() []instrument {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]instrument, 0, len(m.order))
	for _, s := range m.order {
		in := m.insts[s]
		pct := (m.rng.Float64()*0.2 - 0.1) / 100
		in.Price = math.Max(0.01, in.Price*(1+pct))
		in.High = math.Max(in.High, in.Price)
		in.Low = math.Min(in.Low, in.Price)
		in.Volume += m.rng.Float64() * 10
		out = append(out, *in)
	}
	return out
}

// get returns the current state of symbol.
func (m *market) get(symbol string) (instrument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.insts[symbol]
	if !ok {
		return instrument{}, false
	}
	return *in, true
}

func (in instrument) changePct() float64 {
	if in.Open == 0 {
		return 0
	}
	return (in.Price - in.Open) / in.Open * 100
}

// tickerFrame is the streamed 24h ticker event.
func (in instrument) tickerFrame(now time.Time) map[string]any {
	return map[string]any{
		"e": "24hrTicker",
		"E": now.UnixMilli(),
		"s": in.Symbol,
		"c": fmtPrice(in.Price),
		"P": decimal.NewFromFloat(in.changePct()).StringFixed(3),
		"v": decimal.NewFromFloat(in.Volume).StringFixed(4),
		"h": fmtPrice(in.High),
		"l": fmtPrice(in.Low),
	}
}

// tickerResponse is the polled 24h ticker body.
func (in instrument) tickerResponse(now time.Time) map[string]any {
	return map[string]any{
		"symbol":             in.Symbol,
		"lastPrice":          fmtPrice(in.Price),
		"priceChangePercent": decimal.NewFromFloat(in.changePct()).StringFixed(3),
		"volume":             decimal.NewFromFloat(in.Volume).StringFixed(4),
		"highPrice":          fmtPrice(in.High),
		"lowPrice":           fmtPrice(in.Low),
		"closeTime":          now.UnixMilli(),
	}
}

// klines returns candles for symbol whose open time lies in [start, end],
// oldest first, at most limit. Bars are a deterministic function of their
// open time so repeated requests agree.
func klines(symbol string, interval time.Duration, start, end time.Time, limit int) [][]any {
	base := basePrice(symbol)
	closeAt := func(k int64) float64 {
		x := float64(k)
		return base * (1 + 0.05*math.Sin(x/12) + 0.01*math.Sin(x/3))
	}

	first := start.UnixMilli() / interval.Milliseconds()
	if start.UnixMilli()%interval.Milliseconds() != 0 {
		first++
	}
	last := end.UnixMilli() / interval.Milliseconds()

	rows := make([][]any, 0, limit)
	for k := first; k <= last && len(rows) < limit; k++ {
		o, c := closeAt(k-1), closeAt(k)
		openMs := k * interval.Milliseconds()
		rows = append(rows, []any{
			openMs,
			fmtPrice(o),
			fmtPrice(math.Max(o, c) * 1.002),
			fmtPrice(math.Min(o, c) * 0.998),
			fmtPrice(c),
			decimal.NewFromInt(100 + k%50).StringFixed(4),
			openMs + interval.Milliseconds() - 1,
		})
	}
	return rows
}

func fmtPrice(p float64) string {
	return decimal.NewFromFloat(p).StringFixed(2)
}
