package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-pipeline/internal/dispatch"
	"trading-pipeline/internal/model"
	"trading-pipeline/internal/pricecache"
)

// ─── Test tick server ─────────────────────────────────────────────────────────

type tickServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn

	mu    sync.Mutex
	paths []string
}

func newTickServer(t *testing.T) *tickServer {
	t.Helper()
	ts := &tickServer{conns: make(chan *websocket.Conn, 8)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.paths = append(ts.paths, r.URL.Path)
		ts.mu.Unlock()
		ts.conns <- conn

		// Drain client frames so close handshakes are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tickServer) baseURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *tickServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func (ts *tickServer) lastPath() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.paths) == 0 {
		return ""
	}
	return ts.paths[len(ts.paths)-1]
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// ─── Observer ─────────────────────────────────────────────────────────────────

type tickRecorder struct {
	mu    sync.Mutex
	ticks []model.PriceTick
	got   chan model.PriceTick
}

func newTickRecorder() *tickRecorder {
	return &tickRecorder{got: make(chan model.PriceTick, 64)}
}

func (r *tickRecorder) OnTick(_ context.Context, tick model.PriceTick) error {
	r.mu.Lock()
	r.ticks = append(r.ticks, tick)
	r.mu.Unlock()
	r.got <- tick
	return nil
}

func (r *tickRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func (r *tickRecorder) wait(t *testing.T) model.PriceTick {
	t.Helper()
	select {
	case tick := <-r.got:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched tick")
		return model.PriceTick{}
	}
}

type pipeline struct {
	cache *pricecache.Cache
	disp  *dispatch.Dispatcher
	rec   *tickRecorder
	conn  *Connection
}

func newPipeline(ts *tickServer) *pipeline {
	p := &pipeline{
		cache: pricecache.New(),
		disp:  dispatch.New(zap.NewNop()),
		rec:   newTickRecorder(),
	}
	p.disp.Register(p.rec)
	p.conn = New(Config{BaseURL: ts.baseURL()}, p.cache, p.disp, zap.NewNop())
	return p
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestConnection_EndToEnd(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	// Registering twice must still produce one invocation per tick.
	p.disp.Register(p.rec)

	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.conn.Stop()

	server := ts.accept(t)
	if got := ts.lastPath(); got != "/ws/btcusdt@ticker" {
		t.Errorf("stream path = %q", got)
	}
	if !p.conn.IsRunning() {
		t.Error("expected IsRunning after Start")
	}

	send(t, server, `{"s":"BTCUSDT","c":"50000.00","P":"2.5","v":"1000","h":"51000","l":"49000","E":1690000000000}`)
	tick := p.rec.wait(t)

	cached, ok := p.cache.GetLatest("BTCUSDT")
	if !ok || cached.PriceFloat() != 50000.0 {
		t.Fatalf("cache = %+v, %v; want price 50000", cached, ok)
	}
	if tick.Symbol != "BTCUSDT" || tick.PriceFloat() != 50000.0 ||
		tick.ChangePct24h.String() != "2.5" || tick.Volume24h.String() != "1000" ||
		tick.High24h.String() != "51000" || tick.Low24h.String() != "49000" ||
		!tick.EventTime.Equal(time.UnixMilli(1690000000000)) {
		t.Errorf("dispatched tick mismatch: %+v", tick)
	}

	time.Sleep(50 * time.Millisecond)
	if n := p.rec.count(); n != 1 {
		t.Errorf("observer invoked %d times, want 1", n)
	}
}

func TestConnection_CacheUpdatedBeforeDispatch(t *testing.T) {
	ts := newTickServer(t)
	cache := pricecache.New()
	disp := dispatch.New(zap.NewNop())
	seen := make(chan bool, 1)
	disp.Register(dispatch.Func("check", func(_ context.Context, tick model.PriceTick) error {
		cached, ok := cache.GetLatest(tick.Symbol)
		seen <- ok && cached.Price.Equal(tick.Price)
		return nil
	}))

	conn := New(Config{BaseURL: ts.baseURL()}, cache, disp, nil)
	if err := conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conn.Stop()

	send(t, ts.accept(t), `{"s":"BTCUSDT","c":"42.00"}`)
	select {
	case ok := <-seen:
		if !ok {
			t.Error("observer ran before the cache held the tick")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch")
	}
}

func TestConnection_ParseErrorDoesNotEndLoop(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	var parseErrors int
	var mu sync.Mutex
	p.conn.OnParseError = func(error) {
		mu.Lock()
		parseErrors++
		mu.Unlock()
	}

	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.conn.Stop()

	server := ts.accept(t)
	send(t, server, `not json`)
	send(t, server, `{"s":"BTCUSDT","c":"0"}`)
	send(t, server, `{"s":"BTCUSDT","c":"101.5"}`)

	tick := p.rec.wait(t)
	if tick.PriceFloat() != 101.5 {
		t.Errorf("expected the valid frame, got %+v", tick)
	}
	if !p.conn.IsRunning() {
		t.Error("bad frames must not stop the loop")
	}
	mu.Lock()
	defer mu.Unlock()
	if parseErrors != 2 {
		t.Errorf("parse errors = %d, want 2", parseErrors)
	}
}

func TestConnection_StopIdempotent(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)

	p.conn.Stop() // before Start: no-op

	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts.accept(t)

	p.conn.Stop()
	if p.conn.IsRunning() {
		t.Error("expected not running after first Stop")
	}
	p.conn.Stop()
	if p.conn.IsRunning() {
		t.Error("expected not running after second Stop")
	}
	if err := p.conn.Err(); err != nil {
		t.Errorf("Err after Stop = %v, want nil", err)
	}
}

func TestConnection_NoDispatchAfterStop(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	server := ts.accept(t)
	send(t, server, `{"s":"BTCUSDT","c":"1"}`)
	p.rec.wait(t)

	p.conn.Stop()
	before := p.rec.count()

	server.WriteMessage(websocket.TextMessage, []byte(`{"s":"BTCUSDT","c":"2"}`))
	time.Sleep(100 * time.Millisecond)
	if after := p.rec.count(); after != before {
		t.Errorf("dispatch after Stop: %d → %d", before, after)
	}
}

func TestConnection_TransportCloseEndsLoop(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	var states []bool
	var mu sync.Mutex
	p.conn.OnState = func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	}

	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts.accept(t).Close()

	waitDone(t, p.conn)
	if p.conn.IsRunning() {
		t.Error("expected IsRunning false after transport close")
	}
	if !errors.Is(p.conn.Err(), ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrConnectionLost", p.conn.Err())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("state transitions = %v, want [true false]", states)
	}
}

func TestConnection_StartErrors(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)

	if err := p.conn.Start(context.Background(), nil); !errors.Is(err, ErrNoSymbols) {
		t.Errorf("empty symbols: got %v, want ErrNoSymbols", err)
	}
	if err := p.conn.Start(context.Background(), []string{" ", ""}); !errors.Is(err, ErrNoSymbols) {
		t.Errorf("blank symbols: got %v, want ErrNoSymbols", err)
	}

	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.conn.Stop()
	ts.accept(t)
	if err := p.conn.Start(context.Background(), []string{"ETHUSDT"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: got %v, want ErrAlreadyRunning", err)
	}

	dead := New(Config{BaseURL: "ws://127.0.0.1:1", HandshakeTimeout: time.Second}, pricecache.New(), dispatch.New(nil), nil)
	if err := dead.Start(context.Background(), []string{"BTCUSDT"}); err == nil {
		t.Error("expected dial failure")
	}
	if dead.IsRunning() {
		t.Error("failed Start must not report running")
	}
}

func TestConnection_ResubscribeRequiresRestart(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)

	if err := p.conn.Start(context.Background(), []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts.accept(t)
	p.conn.Stop()

	if err := p.conn.Start(context.Background(), []string{"ETHUSDT", "BTCUSDT"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer p.conn.Stop()
	ts.accept(t)
	if got := ts.lastPath(); got != "/ws/ethusdt@ticker/btcusdt@ticker" {
		t.Errorf("stream path = %q", got)
	}
	if got := p.conn.Symbols(); len(got) != 2 || got[0] != "ETHUSDT" {
		t.Errorf("Symbols = %v", got)
	}
}

func TestConnection_ContextCancelStopsLoop(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.conn.Start(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts.accept(t)
	cancel()
	waitDone(t, p.conn)
	if p.conn.Err() != nil {
		t.Errorf("cancelled session should end cleanly, got %v", p.conn.Err())
	}
}

func TestConnection_AwaitFirstTick(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	if err := p.conn.Start(context.Background(), []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.conn.Stop()

	server := ts.accept(t)
	send(t, server, `{"s":"BTCUSDT","c":"1"}`)
	send(t, server, `{"s":"SOLUSDT","c":"1"}`) // not subscribed, ignored for startup

	start := time.Now()
	live := p.conn.AwaitFirstTick(context.Background(), 200*time.Millisecond)
	if len(live) != 1 || live[0] != "BTCUSDT" {
		t.Errorf("live symbols = %v, want [BTCUSDT]", live)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("expected to wait for the startup timeout while ETHUSDT is silent")
	}

	send(t, server, `{"s":"ETHUSDT","c":"1"}`)
	p.rec.wait(t)
	p.rec.wait(t)
	p.rec.wait(t)
	live = p.conn.AwaitFirstTick(context.Background(), 2*time.Second)
	if len(live) != 2 {
		t.Errorf("live symbols = %v, want both", live)
	}
}

func TestConnection_Missing(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	if err := p.conn.Start(context.Background(), []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.conn.Stop()
	server := ts.accept(t)

	// Nothing delivered yet: every symbol is missing.
	if got := p.conn.Missing(context.Background(), 50*time.Millisecond); len(got) != 2 {
		t.Errorf("Missing before any tick = %v, want both", got)
	}

	send(t, server, `{"s":"BTCUSDT","c":"1"}`)
	p.rec.wait(t)
	got := p.conn.Missing(context.Background(), 50*time.Millisecond)
	if len(got) != 1 || got[0] != "ETHUSDT" {
		t.Errorf("Missing = %v, want [ETHUSDT]", got)
	}

	send(t, server, `{"s":"ETHUSDT","c":"1"}`)
	p.rec.wait(t)
	if got := p.conn.Missing(context.Background(), time.Second); len(got) != 0 {
		t.Errorf("Missing after every symbol ticked = %v, want none", got)
	}
}
