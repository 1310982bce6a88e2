// Package redis publishes live ticks and composed snapshots to Redis so
// out-of-process consumers (dashboards, other bots) can read the latest
// state with GET or follow it with SUBSCRIBE.
//
// Key layout, per upper-case symbol:
//
//	ltp:<SYM>        latest tick JSON (SET, TTL)
//	pub:tick:<SYM>   tick channel (PUBLISH)
//	snap:<SYM>       latest snapshot JSON (SET, TTL)
//	pub:snap:<SYM>   snapshot channel (PUBLISH)
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"trading-pipeline/internal/breaker"
	"trading-pipeline/internal/model"
)

const defaultLatestTTL = 30 * time.Minute

// Config configures the Redis connection and publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// TTL of the latest-value keys. Defaults to 30 minutes.
	TTL time.Duration

	// WriteTimeout bounds each pipeline round trip. Defaults to 2s.
	WriteTimeout time.Duration

	// Breaker gates writes; a default one (5 failures, 30s) is created when nil.
	Breaker *breaker.Breaker
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = defaultLatestTTL
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.Breaker == nil {
		c.Breaker = breaker.New("redis", 5, 30*time.Second)
	}
}

// Key helpers.
func LatestTickKey(symbol string) string     { return "ltp:" + symbol }
func TickChannel(symbol string) string       { return "pub:tick:" + symbol }
func LatestSnapshotKey(symbol string) string { return "snap:" + symbol }
func SnapshotChannel(symbol string) string   { return "pub:snap:" + symbol }

// NewClient creates a client and pings the server. The client is returned
// even when the ping fails so callers can run degraded; writes then fail
// fast through the breaker until Redis comes back.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Publisher writes ticks and snapshots. Ticks reach it through a TickWriter;
// for snapshots it is a model.SnapshotPublisher.
type Publisher struct {
	client  *goredis.Client
	cfg     Config
	breaker *breaker.Breaker
	log     *zap.Logger

	// OnWrite is called after every pipeline with its kind ("tick",
	// "snapshot") and result (optional; metrics).
	OnWrite func(kind string, err error)
}

// NewPublisher wraps client.
func NewPublisher(client *goredis.Client, cfg Config, log *zap.Logger) *Publisher {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		cfg:     cfg,
		breaker: cfg.Breaker,
		log:     log.Named("redis"),
	}
}

// Name identifies the publisher in dispatch logs.
func (p *Publisher) Name() string { return "redis" }

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the write breaker.
func (p *Publisher) Breaker() *breaker.Breaker { return p.breaker }

// Ping checks connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// OnTick stores the tick as the symbol's latest price and publishes it.
func (p *Publisher) OnTick(ctx context.Context, tick model.PriceTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: encode tick: %w", err)
	}
	return p.write(ctx, "tick", LatestTickKey(tick.Symbol), TickChannel(tick.Symbol), data)
}

// PublishSnapshot stores snap as the symbol's latest snapshot and publishes it.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap model.MarketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot: %w", err)
	}
	return p.write(ctx, "snapshot", LatestSnapshotKey(snap.Symbol), SnapshotChannel(snap.Symbol), data)
}

// write performs SET + PUBLISH in one pipelined round trip.
func (p *Publisher) write(ctx context.Context, kind, key, channel string, data []byte) error {
	err := p.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()

		pipe := p.client.Pipeline()
		pipe.Set(ctx, key, data, p.cfg.TTL)
		pipe.Publish(ctx, channel, data)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		p.log.Debug("pipeline failed", zap.String("kind", kind), zap.String("key", key), zap.Error(err))
		err = fmt.Errorf("redis: %s %s: %w", kind, key, err)
	}
	if p.OnWrite != nil {
		p.OnWrite(kind, err)
	}
	return err
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
