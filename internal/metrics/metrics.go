package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trading-pipeline/internal/breaker"
)

// Metrics holds all Prometheus metrics for the market-data engine.
type Metrics struct {
	// Stream
	TicksTotal     *prometheus.CounterVec // labels: symbol
	ParseErrors    prometheus.Counter
	StreamUp       prometheus.Gauge
	WSReconnects   prometheus.Counter
	WSGiveUps      prometheus.Counter
	CallbackErrors *prometheus.CounterVec // labels: observer

	// REST
	RESTRequestDur *prometheus.HistogramVec // labels: endpoint
	RESTErrors     *prometheus.CounterVec   // labels: endpoint

	// Candle window cache
	CandleCacheLookups *prometheus.CounterVec // labels: result=hit|miss

	// Facade
	SnapshotsTotal *prometheus.CounterVec // labels: source=stream|poll
	SnapshotMisses prometheus.Counter

	// Circuit breakers
	CircuitBreakerState *prometheus.GaugeVec   // labels: breaker; 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips *prometheus.CounterVec // labels: breaker
	RedisWrites         *prometheus.CounterVec // labels: kind, result
	RedisBufferedWrites prometheus.Counter
	RedisTickDrops      prometheus.Counter

	// Downstream tick gateway
	GatewayClients prometheus.Gauge
	GatewayDrops   *prometheus.CounterVec // labels: symbol
	GatewayLatency prometheus.Histogram

	// Decision loop
	DecisionsTotal    prometheus.Counter
	DecisionQueueDrop prometheus.Counter
	TradingWindow     prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates all metrics and registers them on reg
// (prometheus.DefaultRegisterer in production, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_ticks_total",
			Help: "Ticks received from the ticker stream",
		}, []string{"symbol"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_parse_errors_total",
			Help: "Stream frames skipped because they could not be parsed",
		}),
		StreamUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_stream_up",
			Help: "Ticker stream connection state (0=down, 1=up)",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		WSGiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_ws_give_ups_total",
			Help: "Times the reconnect policy was exhausted",
		}),
		CallbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_callback_errors_total",
			Help: "Observer failures during tick dispatch",
		}, []string{"observer"}),

		RESTRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdengine_rest_request_duration_seconds",
			Help:    "Market-data REST request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RESTErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_rest_errors_total",
			Help: "Failed market-data REST requests",
		}, []string{"endpoint"}),

		CandleCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_candle_cache_lookups_total",
			Help: "Candle window lookups by result (hit, miss)",
		}, []string{"result"}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_snapshots_total",
			Help: "Market snapshots composed, by price source",
		}, []string{"source"}),
		SnapshotMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_snapshot_misses_total",
			Help: "Snapshot requests that returned no data",
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdengine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"breaker"}),
		RedisWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_redis_writes_total",
			Help: "Redis pipelines by kind and result",
		}, []string{"kind", "result"}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_redis_buffered_writes_total",
			Help: "Snapshots buffered locally during Redis circuit breaker open state",
		}),
		RedisTickDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_redis_tick_drops_total",
			Help: "Ticks dropped because the Redis write queue was full",
		}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_gateway_clients",
			Help: "Connected downstream WebSocket clients",
		}),
		GatewayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdengine_gateway_drops_total",
			Help: "Tick envelopes dropped for slow downstream clients",
		}, []string{"symbol"}),
		GatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdengine_gateway_tick_latency_seconds",
			Help:    "Tick event time to downstream fan-out",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		DecisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_decisions_total",
			Help: "Snapshots handed to the decision worker",
		}),
		DecisionQueueDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdengine_decision_queue_drops_total",
			Help: "Snapshots dropped because the decision worker queue was full",
		}),
		TradingWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdengine_trading_window_open",
			Help: "Trading window state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.ParseErrors,
		m.StreamUp,
		m.WSReconnects,
		m.WSGiveUps,
		m.CallbackErrors,
		m.RESTRequestDur,
		m.RESTErrors,
		m.CandleCacheLookups,
		m.SnapshotsTotal,
		m.SnapshotMisses,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.RedisWrites,
		m.RedisBufferedWrites,
		m.RedisTickDrops,
		m.GatewayClients,
		m.GatewayDrops,
		m.GatewayLatency,
		m.DecisionsTotal,
		m.DecisionQueueDrop,
		m.TradingWindow,
	)

	return m
}

// ObserveRequest records one REST call.
func (m *Metrics) ObserveRequest(endpoint string, d time.Duration, err error) {
	m.RESTRequestDur.WithLabelValues(endpoint).Observe(d.Seconds())
	if err != nil {
		m.RESTErrors.WithLabelValues(endpoint).Inc()
	}
}

// ObserveLookup records a candle window lookup.
func (m *Metrics) ObserveLookup(hit bool) {
	if hit {
		m.CandleCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CandleCacheLookups.WithLabelValues("miss").Inc()
}

// ObserveBreaker records a breaker transition.
func (m *Metrics) ObserveBreaker(name string, to breaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	if to == breaker.StateOpen {
		m.CircuitBreakerTrips.WithLabelValues(name).Inc()
	}
}

// ObserveRedisWrite records a Redis pipeline result.
func (m *Metrics) ObserveRedisWrite(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RedisWrites.WithLabelValues(kind, result).Inc()
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool              `json:"ws_connected"`
	LastTickTime   time.Time         `json:"last_tick_time"`
	RedisConnected bool              `json:"redis_connected"`
	Symbols        []string          `json:"symbols"`
	Breakers       map[string]string `json:"breakers"`

	// Liveness probe results
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	// Now is the clock (defaults to time.Now).
	Now func() time.Time `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		Breakers:  make(map[string]string),
		Now:       time.Now,
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbols(symbols []string) {
	h.mu.Lock()
	h.Symbols = append([]string(nil), symbols...)
	h.mu.Unlock()
}

func (h *HealthStatus) SetBreaker(name string, state breaker.State) {
	h.mu.Lock()
	h.Breakers[name] = state.String()
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				cancel()
			}
		}
	}()
}

// Report is the JSON health document.
type Report struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	WSConnected    bool              `json:"ws_connected"`
	LastTickTime   string            `json:"last_tick_time"`
	TickAge        string            `json:"tick_age"`
	RedisConnected bool              `json:"redis_connected"`
	RedisLatencyMs float64           `json:"redis_latency_ms"`
	Symbols        []string          `json:"symbols"`
	Breakers       map[string]string `json:"breakers"`
	LastCheckAt    string            `json:"last_check_at"`
}

// Report computes the overall status. The stream is the critical
// dependency: without it the engine is unhealthy; a Redis outage or an
// open breaker only degrades it.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.Now()
	overallStatus := "healthy"
	httpCode := http.StatusOK

	breakersOK := true
	breakers := make(map[string]string, len(h.Breakers))
	for name, state := range h.Breakers {
		breakers[name] = state
		if state != breaker.StateClosed.String() {
			breakersOK = false
		}
	}

	if !h.RedisConnected || !breakersOK {
		overallStatus = "degraded"
	}
	if !h.WSConnected {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	// Tick age
	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}
	lastCheck := ""
	if !h.LastCheckAt.IsZero() {
		lastCheck = h.LastCheckAt.Format(time.RFC3339)
	}

	return Report{
		Status:         overallStatus,
		Uptime:         now.Sub(h.StartedAt).Round(time.Second).String(),
		WSConnected:    h.WSConnected,
		LastTickTime:   lastTick,
		TickAge:        tickAge,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		Symbols:        append([]string(nil), h.Symbols...),
		Breakers:       breakers,
		LastCheckAt:    lastCheck,
	}, httpCode
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, httpCode := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a metrics and health server over gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.Named("metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux (tests).
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
