// Package candlecache keeps the most recent candle window per symbol and
// refreshes it at most once per TTL.
//
// Windows are replaced wholesale, never mutated. Concurrent refreshes for the
// same symbol collapse into a single upstream fetch.
package candlecache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trading-pipeline/internal/model"
)

// Loader fetches a fresh candle window for symbol, oldest first.
type Loader func(ctx context.Context, symbol string) ([]model.Candle, error)

// Config configures a Cache.
type Config struct {
	TTL      time.Duration // max age of a reused window; defaults to 60s
	Interval string        // recorded on each series, e.g. "1h"

	// Now is the clock (defaults to time.Now). Replace in tests.
	Now func() time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg   Config
	load  Loader
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*model.CandleSeries

	// OnLookup is called on every Get with whether the window was reused (optional).
	OnLookup func(symbol string, hit bool)
}

// New creates a cache backed by load.
func New(cfg Config, load Loader) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:     cfg,
		load:    load,
		entries: make(map[string]*model.CandleSeries),
	}
}

// Get returns the cached window if it is at most TTL old, otherwise fetches
// a new one. The returned series must not be modified.
func (c *Cache) Get(ctx context.Context, symbol string) (*model.CandleSeries, error) {
	symbol = model.NormalizeSymbol(symbol)

	if s := c.fresh(symbol); s != nil {
		c.lookup(symbol, true)
		return s, nil
	}
	c.lookup(symbol, false)

	// The shared fetch outlives any single waiter's cancellation; each
	// waiter still honours its own ctx.
	ch := c.group.DoChan(symbol, func() (any, error) {
		if s := c.fresh(symbol); s != nil {
			return s, nil
		}
		candles, err := c.load(context.WithoutCancel(ctx), symbol)
		if err != nil {
			return nil, err
		}
		s := &model.CandleSeries{
			Symbol:    symbol,
			Interval:  c.cfg.Interval,
			Candles:   candles,
			FetchedAt: c.cfg.Now(),
		}
		c.mu.Lock()
		c.entries[symbol] = s
		c.mu.Unlock()
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.CandleSeries), nil
	}
}

// Invalidate drops the cached window for symbol.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, model.NormalizeSymbol(symbol))
	c.mu.Unlock()
}

func (c *Cache) fresh(symbol string) *model.CandleSeries {
	c.mu.RLock()
	s, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || c.cfg.Now().Sub(s.FetchedAt) > c.cfg.TTL {
		return nil
	}
	return s
}

func (c *Cache) lookup(symbol string, hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(symbol, hit)
	}
}
