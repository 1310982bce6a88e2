package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the facade and observers from concrete
// transports (websocket, REST, Redis).

// LatestPriceReader returns the latest cached tick for a symbol.
type LatestPriceReader interface {
	// GetLatest returns the stored tick, or false if none has arrived.
	GetLatest(symbol string) (PriceTick, bool)
}

// PriceFetcher polls a one-shot price for a symbol.
type PriceFetcher interface {
	LatestPrice(ctx context.Context, symbol string) (PriceTick, error)
}

// CandleFetcher pulls OHLCV candles for a symbol.
type CandleFetcher interface {
	// Klines returns the most recent limit candles, oldest first.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// HistoricalKlines returns every candle whose open time lies in [start, end).
	HistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error)
}

// SnapshotPublisher fans composed snapshots out to external consumers.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap MarketSnapshot) error
}
