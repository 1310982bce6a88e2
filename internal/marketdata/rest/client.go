// Package rest is the request/response side of the market-data source:
// the one-shot price fallback and the OHLCV candle pulls.
//
// Endpoints (Binance spot v3 shape):
//
//	GET /api/v3/ticker/24hr?symbol=BTCUSDT
//	GET /api/v3/klines?symbol=BTCUSDT&interval=1h&limit=24[&startTime=..&endTime=..]
//
// Every call runs through a circuit breaker, so a dead upstream fails fast.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trading-pipeline/internal/breaker"
	"trading-pipeline/internal/model"
	"trading-pipeline/internal/tracing"
)

const (
	tickerPath = "/api/v3/ticker/24hr"
	klinesPath = "/api/v3/klines"

	// MaxKlinesPerRequest is the upstream page size cap.
	MaxKlinesPerRequest = 1000
)

var (
	// ErrUpstream marks transport failures and 5xx/429 responses.
	ErrUpstream = errors.New("market-data upstream error")

	// ErrBadRequest marks 4xx responses (e.g. unknown symbol). It does not
	// trip the breaker.
	ErrBadRequest = errors.New("market-data request rejected")

	// ErrMalformed marks a 2xx response whose body could not be decoded.
	ErrMalformed = errors.New("malformed market-data response")
)

// Config configures the polling client.
type Config struct {
	BaseURL string        // e.g. "https://api.binance.com"
	Timeout time.Duration // per request; defaults to 10s
	Retries int           // extra attempts on transport error / 5xx / 429

	// Breaker guards every request. Defaults to 5 failures / 30s.
	Breaker *breaker.Breaker
}

func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Breaker == nil {
		c.Breaker = breaker.New("rest", 5, 30*time.Second)
	}
}

// Client polls prices and candles.
type Client struct {
	http    *resty.Client
	breaker *breaker.Breaker
	log     *zap.Logger

	// OnRequest is called after every upstream call (optional, e.g. metrics).
	OnRequest func(endpoint string, dur time.Duration, err error)
}

// New creates a polling client.
func New(cfg Config, log *zap.Logger) *Client {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}

	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	cfg.Breaker.IsFailure = func(err error) bool {
		return !errors.Is(err, ErrBadRequest) && !errors.Is(err, context.Canceled)
	}

	return &Client{
		http:    hc,
		breaker: cfg.Breaker,
		log:     log.Named("rest"),
	}
}

// Breaker exposes the client's breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

type tickerResponse struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	Volume             decimal.Decimal `json:"volume"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	CloseTime          int64           `json:"closeTime"`
}

// LatestPrice polls the 24h ticker for symbol.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (model.PriceTick, error) {
	symbol = model.NormalizeSymbol(symbol)
	ctx, span := tracing.StartSpan(ctx, "rest.ticker24h")
	span.SetAttributes(attribute.String("symbol", symbol))
	defer span.End()

	var tr tickerResponse
	err := c.get(ctx, tickerPath, map[string]string{"symbol": symbol}, &tr)
	if err == nil && !tr.LastPrice.IsPositive() {
		err = fmt.Errorf("%w: non-positive lastPrice %s for %s", ErrMalformed, tr.LastPrice, symbol)
	}
	if err != nil {
		recordError(span, err)
		return model.PriceTick{}, err
	}

	tick := model.PriceTick{
		Symbol:       symbol,
		Price:        tr.LastPrice,
		ChangePct24h: tr.PriceChangePercent,
		Volume24h:    tr.Volume,
		High24h:      tr.HighPrice,
		Low24h:       tr.LowPrice,
		EventTime:    time.UnixMilli(tr.CloseTime).UTC(),
	}
	if tr.CloseTime == 0 {
		tick.EventTime = time.Now().UTC()
	}
	return tick, nil
}

// Klines returns the most recent limit candles for symbol, oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	symbol = model.NormalizeSymbol(symbol)
	ctx, span := tracing.StartSpan(ctx, "rest.klines")
	span.SetAttributes(
		attribute.String("symbol", symbol),
		attribute.String("interval", interval),
		attribute.Int("limit", limit),
	)
	defer span.End()

	candles, err := c.klines(ctx, map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return candles, nil
}

// HistoricalKlines returns every candle whose open time lies in [start, end),
// paging through the upstream MaxKlinesPerRequest cap.
func (c *Client) HistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Candle, error) {
	symbol = model.NormalizeSymbol(symbol)
	ctx, span := tracing.StartSpan(ctx, "rest.klines.history")
	span.SetAttributes(
		attribute.String("symbol", symbol),
		attribute.String("interval", interval),
		attribute.String("start", start.UTC().Format(time.RFC3339)),
		attribute.String("end", end.UTC().Format(time.RFC3339)),
	)
	defer span.End()

	var out []model.Candle
	cursor := start
	for cursor.Before(end) {
		page, err := c.klines(ctx, map[string]string{
			"symbol":    symbol,
			"interval":  interval,
			"startTime": strconv.FormatInt(cursor.UnixMilli(), 10),
			"endTime":   strconv.FormatInt(end.UnixMilli()-1, 10),
			"limit":     strconv.Itoa(MaxKlinesPerRequest),
		})
		if err != nil {
			recordError(span, err)
			return nil, err
		}
		for _, k := range page {
			if !k.OpenTime.Before(cursor) && k.OpenTime.Before(end) {
				out = append(out, k)
			}
		}
		if len(page) < MaxKlinesPerRequest {
			break
		}
		next := page[len(page)-1].OpenTime.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	span.SetAttributes(attribute.Int("candles", len(out)))
	return out, nil
}

func (c *Client) klines(ctx context.Context, params map[string]string) ([]model.Candle, error) {
	var rows [][]json.RawMessage
	if err := c.get(ctx, klinesPath, params, &rows); err != nil {
		return nil, err
	}
	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, i, err)
		}
		candles = append(candles, k)
	}
	return candles, nil
}

// parseKline decodes one [open_time, open, high, low, close, volume, ...] row.
// Prices arrive as JSON strings; plain numbers are accepted too.
func parseKline(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("expected >= 6 fields, got %d", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return model.Candle{}, fmt.Errorf("open_time: %v", err)
	}

	var vals [5]decimal.Decimal
	for i := range vals {
		if err := json.Unmarshal(row[i+1], &vals[i]); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %v", i+1, err)
		}
	}
	return model.Candle{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     vals[0].InexactFloat64(),
		High:     vals[1].InexactFloat64(),
		Low:      vals[2].InexactFloat64(),
		Close:    vals[3].InexactFloat64(),
		Volume:   vals[4].InexactFloat64(),
	}, nil
}

// get performs one breaker-guarded GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	start := time.Now()
	err := c.breaker.Execute(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: GET %s: %v", ErrUpstream, path, err)
		}
		if resp.IsError() {
			kind := ErrUpstream
			if resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != http.StatusTooManyRequests {
				kind = ErrBadRequest
			}
			return fmt.Errorf("%w: GET %s: status %d: %s", kind, path, resp.StatusCode(), truncate(resp.Body(), 200))
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%w: GET %s: %v", ErrMalformed, path, err)
		}
		return nil
	})

	if c.OnRequest != nil {
		c.OnRequest(path, time.Since(start), err)
	}
	if err != nil {
		c.log.Debug("upstream request failed", zap.String("path", path), zap.Any("params", params), zap.Error(err))
	}
	return err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
