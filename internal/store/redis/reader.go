package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"trading-pipeline/internal/model"
)

// ErrNotFound is returned when no value is stored for a symbol.
var ErrNotFound = errors.New("redis: not found")

// Reader reads back what a Publisher stored. It backs API endpoints that
// serve the last published state without recomputing it.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// LatestTick returns the last tick stored for symbol.
func (r *Reader) LatestTick(ctx context.Context, symbol string) (model.PriceTick, error) {
	var tick model.PriceTick
	err := r.get(ctx, LatestTickKey(model.NormalizeSymbol(symbol)), &tick)
	return tick, err
}

// LatestSnapshot returns the last snapshot published for symbol.
func (r *Reader) LatestSnapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	raw, err := r.client.Get(ctx, LatestSnapshotKey(model.NormalizeSymbol(symbol))).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return snap, ErrNotFound
		}
		return snap, fmt.Errorf("redis GET: %w", err)
	}
	return DecodeSnapshot(raw)
}

func (r *Reader) get(ctx context.Context, key string, out any) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis GET %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("redis decode %s: %w", key, err)
	}
	return nil
}

// SubscribeTicks follows the tick channels of symbols and sends decoded
// ticks to out. Undecodable messages are skipped. Blocks until ctx is done.
func (r *Reader) SubscribeTicks(ctx context.Context, symbols []string, out chan<- model.PriceTick) error {
	symbols = model.NormalizeSymbols(symbols)
	channels := make([]string, len(symbols))
	for i, s := range symbols {
		channels[i] = TickChannel(s)
	}

	sub := r.client.Subscribe(ctx, channels...)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis SUBSCRIBE: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var tick model.PriceTick
			if json.Unmarshal([]byte(msg.Payload), &tick) != nil || !tick.Valid() {
				continue
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// DecodeSnapshot parses a stored snapshot. The indicator mapping is decoded
// back into its typed form.
func DecodeSnapshot(raw []byte) (model.MarketSnapshot, error) {
	var wire struct {
		model.MarketSnapshot
		Indicators map[string]float64 `json:"indicators"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("redis decode snapshot: %w", err)
	}
	snap := wire.MarketSnapshot
	snap.Indicators = model.IndicatorSet{}
	if len(wire.Indicators) > 0 {
		snap.Indicators.Valid = true
		snap.Indicators.SMA20 = wire.Indicators[model.KeySMA20]
		snap.Indicators.RSI14 = wire.Indicators[model.KeyRSI14]
		snap.Indicators.PriceVsSMA, snap.Indicators.HasPriceVsSMA = wire.Indicators[model.KeyPriceVsSMA]
	}
	return snap, nil
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
