// Package gateway streams live ticks to downstream WebSocket clients. The
// Hub is a dispatcher observer: every tick becomes a JSON envelope that is
// fanned out to the clients subscribed to its symbol.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-pipeline/internal/model"
)

// DefaultReplaySize is the number of recent envelopes kept per symbol.
const DefaultReplaySize = 256

// Envelope wraps one tick for the wire. Seq increases by one per tick per
// symbol so clients can detect gaps.
type Envelope struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Seq    int64           `json:"seq"`
	Data   model.PriceTick `json:"data"`
	SentAt time.Time       `json:"ts"`
}

// Hub tracks connected clients and the latest envelope per symbol.
type Hub struct {
	log        *zap.Logger
	upgrader   websocket.Upgrader
	replaySize int
	now        func() time.Time

	mu      sync.RWMutex
	clients map[*Client]bool
	seqs    map[string]int64
	latest  map[string][]byte
	replay  map[string]*replayRing
	closed  bool

	// Optional hooks (e.g. metrics).
	OnClients func(n int)
	OnDrop    func(symbol string)
	OnLatency func(d time.Duration) // tick event time to fan-out
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log.Named("gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		replaySize: DefaultReplaySize,
		now:        time.Now,
		clients:    make(map[*Client]bool),
		seqs:       make(map[string]int64),
		latest:     make(map[string][]byte),
		replay:     make(map[string]*replayRing),
	}
}

// Name identifies the hub in dispatcher logs and metrics.
func (h *Hub) Name() string { return "gateway" }

// OnTick fans tick out to subscribed clients. It never blocks on a slow
// client: a full send queue drops the envelope for that client only.
func (h *Hub) OnTick(_ context.Context, tick model.PriceTick) error {
	now := h.now().UTC()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.seqs[tick.Symbol]++
	env := Envelope{Type: "tick", Symbol: tick.Symbol, Seq: h.seqs[tick.Symbol], Data: tick, SentAt: now}
	msg, err := json.Marshal(env)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.latest[tick.Symbol] = msg
	rr := h.replay[tick.Symbol]
	if rr == nil {
		rr = newReplayRing(h.replaySize)
		h.replay[tick.Symbol] = rr
	}
	rr.push(env.Seq, msg)

	var dropped int
	for c := range h.clients {
		if !c.wants(tick.Symbol) {
			continue
		}
		if !c.enqueue(msg) {
			dropped++
		}
	}
	h.mu.Unlock()

	for i := 0; i < dropped; i++ {
		if h.OnDrop != nil {
			h.OnDrop(tick.Symbol)
		}
	}
	if h.OnLatency != nil && !tick.EventTime.IsZero() {
		if d := now.Sub(tick.EventTime); d >= 0 {
			h.OnLatency(d)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and registers a client. Query parameters:
//
//	symbols  comma-separated initial subscription; omitted = every symbol
//	since    replay envelopes with seq > since for each subscribed symbol
//	         instead of only the latest one
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	var symbols []string
	if s := r.URL.Query().Get("symbols"); s != "" {
		symbols = model.NormalizeSymbols(strings.Split(s, ","))
	}
	since := int64(-1)
	if s := r.URL.Query().Get("since"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
			since = n
		}
	}

	c := newClient(h, conn, symbols)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	count := len(h.clients)
	h.sendInitialLocked(c, since)
	h.mu.Unlock()

	h.log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Strings("symbols", symbols), zap.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}

	go c.writePump()
	go c.readPump()
}

// sendInitialLocked queues the latest state (or the replay since a seq)
// for the client's symbols. Called with h.mu held.
func (h *Hub) sendInitialLocked(c *Client, since int64) {
	for sym, msg := range h.latest {
		if !c.wants(sym) {
			continue
		}
		if since < 0 {
			c.enqueue(msg)
			continue
		}
		if rr := h.replay[sym]; rr != nil {
			for _, m := range rr.since(since) {
				c.enqueue(m)
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("client disconnected", zap.Int("clients", count))
	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// Replay returns buffered envelopes for symbol with seq in (since, latest].
func (h *Hub) Replay(symbol string, since int64) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rr := h.replay[model.NormalizeSymbol(symbol)]
	if rr == nil {
		return nil
	}
	return rr.since(since)
}

// Seq returns the current sequence number for symbol.
func (h *Hub) Seq(symbol string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqs[model.NormalizeSymbol(symbol)]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}
