// Package pricecache holds the latest known tick per symbol.
//
// The stream read loop is the single writer; any goroutine may read. Each
// entry is an immutable *model.PriceTick swapped in whole, so readers never
// observe a partially written tick and no lock is taken on the hot path.
package pricecache

import (
	"sort"
	"sync"

	"trading-pipeline/internal/model"
)

// Cache maps symbol → latest tick (last write wins).
type Cache struct {
	m sync.Map // string → *model.PriceTick

	// OnUpdate is called after every stored tick (optional, e.g. metrics).
	OnUpdate func(tick model.PriceTick)
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{}
}

// Update atomically replaces the stored tick for tick.Symbol.
// Invalid ticks (blank symbol, non-positive price) are ignored.
func (c *Cache) Update(tick model.PriceTick) {
	if !tick.Valid() {
		return
	}
	t := tick
	c.m.Store(model.NormalizeSymbol(t.Symbol), &t)
	if c.OnUpdate != nil {
		c.OnUpdate(t)
	}
}

// GetLatest returns the most recently stored tick, or false if none has
// ever arrived for symbol.
func (c *Cache) GetLatest(symbol string) (model.PriceTick, bool) {
	v, ok := c.m.Load(model.NormalizeSymbol(symbol))
	if !ok {
		return model.PriceTick{}, false
	}
	return *v.(*model.PriceTick), true
}

// Symbols returns the sorted set of symbols with data.
func (c *Cache) Symbols() []string {
	var out []string
	c.m.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Len returns the number of symbols with data.
func (c *Cache) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
