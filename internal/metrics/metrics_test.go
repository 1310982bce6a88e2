package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"trading-pipeline/internal/breaker"
)

func TestMetrics_RegisterOnIsolatedRegistry(t *testing.T) {
	// Two engines in one process must not collide.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestMetrics_Observers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRequest("klines", 10*time.Millisecond, nil)
	m.ObserveRequest("klines", 10*time.Millisecond, errors.New("503"))
	if got := testutil.ToFloat64(m.RESTErrors.WithLabelValues("klines")); got != 1 {
		t.Errorf("rest errors = %v, want 1", got)
	}

	m.ObserveLookup(true)
	m.ObserveLookup(false)
	m.ObserveLookup(false)
	if got := testutil.ToFloat64(m.CandleCacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}

	m.ObserveBreaker("rest", breaker.StateOpen)
	m.ObserveBreaker("rest", breaker.StateHalfOpen)
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("rest")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("rest")); got != 1 {
		t.Errorf("trips = %v, want 1", got)
	}

	m.ObserveRedisWrite("tick", nil)
	m.ObserveRedisWrite("tick", errors.New("down"))
	if got := testutil.ToFloat64(m.RedisWrites.WithLabelValues("tick", "error")); got != 1 {
		t.Errorf("redis errors = %v, want 1", got)
	}
}

func fixedHealth(now time.Time) *HealthStatus {
	h := NewHealthStatus()
	h.StartedAt = now.Add(-time.Hour)
	h.Now = func() time.Time { return now }
	return h
}

func TestHealth_Report(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		setup  func(h *HealthStatus)
		status string
		code   int
	}{
		{"stream down", func(h *HealthStatus) { h.SetRedisConnected(true) }, "unhealthy", http.StatusServiceUnavailable},
		{"all up", func(h *HealthStatus) {
			h.SetWSConnected(true)
			h.SetRedisConnected(true)
			h.SetBreaker("rest", breaker.StateClosed)
		}, "healthy", http.StatusOK},
		{"redis down", func(h *HealthStatus) { h.SetWSConnected(true) }, "degraded", http.StatusOK},
		{"breaker open", func(h *HealthStatus) {
			h.SetWSConnected(true)
			h.SetRedisConnected(true)
			h.SetBreaker("rest", breaker.StateOpen)
		}, "degraded", http.StatusOK},
	}
	for _, tt := range tests {
		h := fixedHealth(now)
		tt.setup(h)
		report, code := h.Report()
		if report.Status != tt.status || code != tt.code {
			t.Errorf("%s: got %s/%d, want %s/%d", tt.name, report.Status, code, tt.status, tt.code)
		}
		if report.Uptime != "1h0m0s" {
			t.Errorf("%s: uptime = %s", tt.name, report.Uptime)
		}
	}
}

func TestHealth_TickAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := fixedHealth(now)

	report, _ := h.Report()
	if report.TickAge != "" || report.LastTickTime != "" {
		t.Errorf("no tick yet: %+v", report)
	}

	h.SetLastTickTime(now.Add(-1500 * time.Millisecond))
	report, _ = h.Report()
	if report.TickAge != "1.5s" {
		t.Errorf("tick age = %q, want 1.5s", report.TickAge)
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TicksTotal.WithLabelValues("BTCUSDT").Inc()

	h := NewHealthStatus()
	h.SetWSConnected(true)
	h.SetRedisConnected(true)
	h.SetSymbols([]string{"BTCUSDT"})
	srv := NewServer(":0", reg, h, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `mdengine_ticks_total{symbol="BTCUSDT"} 1`) {
		t.Errorf("metrics output missing tick counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "healthy" || len(report.Symbols) != 1 {
		t.Errorf("report = %+v", report)
	}
}
