// Package api serves the market-data facade over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-pipeline/internal/metrics"
	"trading-pipeline/internal/model"
	"trading-pipeline/internal/store/redis"
)

// MaxHistoryDays bounds /history requests.
const MaxHistoryDays = 30

// MarketData is the facade surface the API exposes.
type MarketData interface {
	GetMarketData(ctx context.Context, symbol string) (model.MarketSnapshot, bool)
	GetHistoricalData(ctx context.Context, symbol string, days int) []model.Candle
}

// SnapshotReader returns the last published snapshot (Redis).
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error)
}

// HealthReporter produces the health document.
type HealthReporter interface {
	Report() (metrics.Report, int)
}

// TickStream is the live tick fan-out: a WebSocket handler plus its replay
// buffer.
type TickStream interface {
	http.Handler
	Replay(symbol string, since int64) [][]byte
}

// Deps are the router's collaborators. Only Market is required.
type Deps struct {
	Market    MarketData
	Published SnapshotReader
	Health    HealthReporter
	Ticks     TickStream
	Log       *zap.Logger
}

type handler struct {
	deps Deps
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	h := &handler{deps: deps}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Log.Named("api")))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", h.health)
		v1.GET("/market/:symbol", h.market)
		v1.GET("/history/:symbol", h.history)
		v1.GET("/snapshot/:symbol", h.published)
		if deps.Ticks != nil {
			v1.GET("/stream", gin.WrapH(deps.Ticks))
			v1.GET("/replay/:symbol", h.replay)
		}
	}
	return r
}

func (h *handler) health(c *gin.Context) {
	if h.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report, code := h.deps.Health.Report()
	c.JSON(code, report)
}

func (h *handler) market(c *gin.Context) {
	symbol := model.NormalizeSymbol(c.Param("symbol"))
	snap, ok := h.deps.Market.GetMarketData(c.Request.Context(), symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market data available", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) history(c *gin.Context) {
	symbol := model.NormalizeSymbol(c.Param("symbol"))
	days := 1
	if s := c.Query("days"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d <= 0 || d > MaxHistoryDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer in [1, 30]"})
			return
		}
		days = d
	}

	candles := h.deps.Market.GetHistoricalData(c.Request.Context(), symbol, days)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "days": days, "count": len(candles), "candles": candles})
}

func (h *handler) published(c *gin.Context) {
	if h.deps.Published == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	symbol := model.NormalizeSymbol(c.Param("symbol"))
	snap, err := h.deps.Published.LatestSnapshot(c.Request.Context(), symbol)
	switch {
	case errors.Is(err, redis.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no published snapshot", "symbol": symbol})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, snap)
	}
}

// replay returns buffered tick envelopes newer than ?since for clients that
// reconnect over plain HTTP.
func (h *handler) replay(c *gin.Context) {
	symbol := model.NormalizeSymbol(c.Param("symbol"))
	var since int64
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
		since = n
	}

	raw := h.deps.Ticks.Replay(symbol, since)
	ticks := make([]json.RawMessage, len(raw))
	for i, b := range raw {
		ticks[i] = b
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "since": since, "count": len(ticks), "ticks": ticks})
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Server runs the API over HTTP.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates an API server on addr.
func NewServer(addr string, handler http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		addr: addr,
		log:  log.Named("api"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
