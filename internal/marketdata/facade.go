// Package marketdata is the single entry point decision logic uses to read
// the market: it merges the live streamed price with a TTL-cached candle
// window and returns an immutable snapshot per call.
package marketdata

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"trading-pipeline/internal/candlecache"
	"trading-pipeline/internal/indicator"
	"trading-pipeline/internal/logger"
	"trading-pipeline/internal/model"
	"trading-pipeline/internal/tracing"
)

// Source is the request/response market-data API (the REST client).
type Source interface {
	model.PriceFetcher
	model.CandleFetcher
}

// Config configures a Facade.
type Config struct {
	Interval string        // candle interval for indicators; defaults to "1h"
	Limit    int           // candles per window; defaults to 24
	TTL      time.Duration // candle window reuse; defaults to 60s

	// Now is the clock (defaults to time.Now). Replace in tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Interval == "" {
		c.Interval = "1h"
	}
	if c.Limit <= 0 {
		c.Limit = 24
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Facade composes snapshots. Safe for concurrent use.
type Facade struct {
	cfg     Config
	prices  model.LatestPriceReader
	source  Source
	candles *candlecache.Cache
	log     *zap.Logger

	// OnSnapshot is called for every composed snapshot (optional).
	OnSnapshot func(snap model.MarketSnapshot)
	// OnMiss is called when no snapshot could be produced (optional).
	OnMiss func(symbol string, err error)
}

// New creates a facade reading live prices from prices and falling back to
// source for one-shot prices and candle windows.
func New(cfg Config, prices model.LatestPriceReader, source Source, log *zap.Logger) *Facade {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	f := &Facade{
		cfg:    cfg,
		prices: prices,
		source: source,
		log:    log.Named("facade"),
	}
	f.candles = candlecache.New(candlecache.Config{
		TTL:      cfg.TTL,
		Interval: cfg.Interval,
		Now:      cfg.Now,
	}, f.loadWindow)
	return f
}

// Candles exposes the candle window cache (hooks, invalidation).
func (f *Facade) Candles() *candlecache.Cache { return f.candles }

func (f *Facade) loadWindow(ctx context.Context, symbol string) ([]model.Candle, error) {
	return f.source.Klines(ctx, symbol, f.cfg.Interval, f.cfg.Limit)
}

// GetMarketData returns a snapshot for symbol, or false when no price is
// available this cycle. Callers must skip on false, never substitute zeros.
//
// A candle failure after a price was obtained still yields a snapshot with
// the indicator defaults: neutral trend, zero volatility, empty indicators.
func (f *Facade) GetMarketData(ctx context.Context, symbol string) (model.MarketSnapshot, bool) {
	symbol = model.NormalizeSymbol(symbol)
	ctx, span := tracing.StartSpan(ctx, "facade.get_market_data")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", symbol))

	tick, source, err := f.price(ctx, symbol)
	if err != nil {
		f.log.Warn("no price available",
			append(logger.LogWithTrace(ctx), zap.String("symbol", symbol), zap.Error(err))...)
		span.SetStatus(codes.Error, "no price")
		span.RecordError(err)
		if f.OnMiss != nil {
			f.OnMiss(symbol, err)
		}
		return model.MarketSnapshot{}, false
	}

	snap := model.MarketSnapshot{
		Symbol:         symbol,
		CurrentPrice:   tick.PriceFloat(),
		Timestamp:      f.cfg.Now().UTC(),
		Trend:          model.TrendNeutral,
		PriceChange24h: tick.ChangePct24h.InexactFloat64(),
		Volume24h:      tick.Volume24h.InexactFloat64(),
		High24h:        tick.High24h.InexactFloat64(),
		Low24h:         tick.Low24h.InexactFloat64(),
		PriceSource:    source,
	}

	series, err := f.candles.Get(ctx, symbol)
	if err != nil {
		f.log.Warn("candle window unavailable, indicators defaulted",
			append(logger.LogWithTrace(ctx), zap.String("symbol", symbol), zap.Error(err))...)
		span.RecordError(err)
	} else {
		closes := series.Closes()
		snap.Trend = indicator.Trend(closes)
		snap.Volatility = indicator.Volatility(closes)
		snap.Indicators = indicator.Compute(closes)
		span.SetAttributes(attribute.Int("candles", len(closes)))
	}

	span.SetAttributes(
		attribute.String("price_source", source),
		attribute.String("trend", string(snap.Trend)),
	)
	if f.OnSnapshot != nil {
		f.OnSnapshot(snap)
	}
	return snap, true
}

// price prefers the streamed tick and polls only on a cache miss.
func (f *Facade) price(ctx context.Context, symbol string) (model.PriceTick, string, error) {
	if tick, ok := f.prices.GetLatest(symbol); ok {
		return tick, model.SourceStream, nil
	}
	tick, err := f.source.LatestPrice(ctx, symbol)
	if err != nil {
		return model.PriceTick{}, "", err
	}
	return tick, model.SourcePoll, nil
}

// GetHistoricalData returns the candles of the last days, oldest first, or
// an empty slice when the window is empty or the fetch fails.
func (f *Facade) GetHistoricalData(ctx context.Context, symbol string, days int) []model.Candle {
	symbol = model.NormalizeSymbol(symbol)
	if days <= 0 || symbol == "" {
		return []model.Candle{}
	}
	ctx, span := tracing.StartSpan(ctx, "facade.get_historical_data")
	defer span.End()
	span.SetAttributes(attribute.String("symbol", symbol), attribute.Int("days", days))

	end := f.cfg.Now()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	candles, err := f.source.HistoricalKlines(ctx, symbol, f.cfg.Interval, start, end)
	if err != nil {
		f.log.Warn("historical fetch failed",
			append(logger.LogWithTrace(ctx), zap.String("symbol", symbol), zap.Int("days", days), zap.Error(err))...)
		span.RecordError(err)
		return []model.Candle{}
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	return candles
}
