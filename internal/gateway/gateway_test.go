package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading-pipeline/internal/model"
)

func tick(symbol string, price int64) model.PriceTick {
	return model.PriceTick{
		Symbol:    symbol,
		Price:     decimal.NewFromInt(price),
		EventTime: time.Now().UTC(),
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

func TestHub_FiltersBySymbol(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "symbols=ethusdt")
	waitClients(t, h, 1)

	ctx := context.Background()
	h.OnTick(ctx, tick("BTCUSDT", 50000))
	h.OnTick(ctx, tick("ETHUSDT", 3000))

	env := read(t, conn)
	if env.Symbol != "ETHUSDT" || env.Seq != 1 || !env.Data.Price.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHub_LatestOnConnectAndSubscribe(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	ctx := context.Background()
	h.OnTick(ctx, tick("BTCUSDT", 1))
	h.OnTick(ctx, tick("BTCUSDT", 2))
	h.OnTick(ctx, tick("ETHUSDT", 3))

	conn := dial(t, srv, "symbols=BTCUSDT")
	if env := read(t, conn); env.Symbol != "BTCUSDT" || env.Seq != 2 {
		t.Errorf("initial = %+v, want BTCUSDT seq 2", env)
	}

	conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "symbols": []string{"ethusdt"}})
	if env := read(t, conn); env.Symbol != "ETHUSDT" || env.Seq != 1 {
		t.Errorf("after subscribe = %+v", env)
	}
}

func TestHub_ReplaySince(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	ctx := context.Background()
	for p := int64(1); p <= 5; p++ {
		h.OnTick(ctx, tick("BTCUSDT", p))
	}
	if h.Seq("btcusdt") != 5 {
		t.Fatalf("Seq = %d", h.Seq("BTCUSDT"))
	}
	if got := len(h.Replay("BTCUSDT", 2)); got != 3 {
		t.Errorf("Replay since 2 = %d envelopes, want 3", got)
	}

	conn := dial(t, srv, "symbols=BTCUSDT&since=3")
	for want := int64(4); want <= 5; want++ {
		if env := read(t, conn); env.Seq != want {
			t.Errorf("replayed seq = %d, want %d", env.Seq, want)
		}
	}
}

func TestHub_SlowClientDrops(t *testing.T) {
	h := NewHub(nil)
	var drops int
	h.OnDrop = func(string) { drops++ }

	// A registered client with nobody draining its queue.
	c := newClient(h, nil, nil)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	for i := 0; i < sendBuffer+10; i++ {
		if err := h.OnTick(context.Background(), tick("BTCUSDT", int64(i+1))); err != nil {
			t.Fatalf("OnTick: %v", err)
		}
	}
	if drops != 10 {
		t.Errorf("drops = %d, want 10", drops)
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	h := NewHub(nil)
	counts := make(chan int, 4)
	h.OnClients = func(n int) { counts <- n }
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)
	h.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close")
	}
	if h.ClientCount() != 0 {
		t.Errorf("clients after Close = %d", h.ClientCount())
	}
	if err := h.OnTick(context.Background(), tick("BTCUSDT", 1)); err != nil {
		t.Errorf("OnTick after Close: %v", err)
	}
	a, b := <-counts, <-counts
	if a+b != 1 || (a != 0 && b != 0) {
		t.Errorf("OnClients reported %d and %d, want 1 and 0", a, b)
	}
}

func TestReplayRing_Wraps(t *testing.T) {
	r := newReplayRing(3)
	for seq := int64(1); seq <= 5; seq++ {
		r.push(seq, []byte{byte(seq)})
	}
	if r.len() != 3 {
		t.Fatalf("len = %d", r.len())
	}
	got := r.since(0)
	if len(got) != 3 || got[0][0] != 3 || got[2][0] != 5 {
		t.Errorf("since(0) = %v, want [3 4 5]", got)
	}
	if len(r.since(5)) != 0 {
		t.Error("since(latest) must be empty")
	}
}

func TestHub_UnsubscribeLastSymbolReceivesNothing(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "symbols=ethusdt")
	waitClients(t, h, 1)

	conn.WriteJSON(map[string]any{"type": "UNSUBSCRIBE", "symbols": []string{"ETHUSDT"}})
	// A PING round trip orders the UNSUBSCRIBE before the ticks below.
	conn.WriteJSON(map[string]any{"type": "PING", "ping": 1})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, raw, err := conn.ReadMessage(); err != nil || !strings.Contains(string(raw), `"pong"`) {
		t.Fatalf("pong: %s %v", raw, err)
	}

	ctx := context.Background()
	h.OnTick(ctx, tick("BTCUSDT", 50000))
	h.OnTick(ctx, tick("ETHUSDT", 3000))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Errorf("client with no subscriptions received %s", raw)
	}
}

func TestHub_NoFilterReceivesEverySymbol(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)

	ctx := context.Background()
	h.OnTick(ctx, tick("BTCUSDT", 50000))
	h.OnTick(ctx, tick("ETHUSDT", 3000))
	if a, b := read(t, conn), read(t, conn); a.Symbol != "BTCUSDT" || b.Symbol != "ETHUSDT" {
		t.Errorf("got %s then %s", a.Symbol, b.Symbol)
	}
}

func TestHub_NoFilterUnsubscribeDropsOnlyThatSymbol(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	conn := dial(t, srv, "")
	waitClients(t, h, 1)

	ctx := context.Background()
	h.OnTick(ctx, tick("BTCUSDT", 50000))
	h.OnTick(ctx, tick("ETHUSDT", 3000))
	read(t, conn)
	read(t, conn)

	conn.WriteJSON(map[string]any{"type": "UNSUBSCRIBE", "symbols": []string{"btcusdt"}})
	conn.WriteJSON(map[string]any{"type": "PING", "ping": 1})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, raw, err := conn.ReadMessage(); err != nil || !strings.Contains(string(raw), `"pong"`) {
		t.Fatalf("pong: %s %v", raw, err)
	}

	h.OnTick(ctx, tick("BTCUSDT", 50100))
	h.OnTick(ctx, tick("ETHUSDT", 3010))
	if env := read(t, conn); env.Symbol != "ETHUSDT" {
		t.Errorf("got %s after unsubscribing BTCUSDT, want ETHUSDT", env.Symbol)
	}
}
