package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-pipeline/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Client is a single WebSocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	all     bool // connected without a symbols filter
	symbols map[string]bool
}

// controlMsg is what clients send: subscription changes and pings.
//
//	{"type":"SUBSCRIBE","symbols":["BTCUSDT"]}
//	{"type":"UNSUBSCRIBE","symbols":["BTCUSDT"]}
//	{"type":"PING","ping":1690000000000}
type controlMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Ping    int64    `json:"ping"`
}

func newClient(h *Hub, conn *websocket.Conn, symbols []string) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		all:     len(symbols) == 0,
		symbols: make(map[string]bool, len(symbols)),
	}
	for _, s := range symbols {
		c.symbols[s] = true
	}
	return c
}

func (c *Client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || c.symbols[symbol]
}

// enqueue must be called with hub.mu held so it never races remove.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "SUBSCRIBE":
			c.subscribe(model.NormalizeSymbols(msg.Symbols))
		case "UNSUBSCRIBE":
			c.unsubscribe(model.NormalizeSymbols(msg.Symbols))
		case "PING":
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.hub.mu.RLock()
			if c.hub.clients[c] {
				c.enqueue(pong)
			}
			c.hub.mu.RUnlock()
		}
	}
}

// subscribe adds symbols and sends their latest envelopes. An unfiltered
// client narrows to exactly the named symbols.
func (c *Client) subscribe(symbols []string) {
	c.mu.Lock()
	c.all = false
	for _, s := range symbols {
		c.symbols[s] = true
	}
	c.mu.Unlock()

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	for _, s := range symbols {
		if msg, ok := c.hub.latest[s]; ok {
			c.enqueue(msg)
		}
	}
}

// unsubscribe removes symbols. An unfiltered client first expands to every
// symbol the hub has seen.
func (c *Client) unsubscribe(symbols []string) {
	c.mu.RLock()
	all := c.all
	c.mu.RUnlock()

	var known []string
	if all {
		c.hub.mu.RLock()
		for s := range c.hub.latest {
			known = append(known, s)
		}
		c.hub.mu.RUnlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		c.all = false
		for _, s := range known {
			c.symbols[s] = true
		}
	}
	for _, s := range symbols {
		delete(c.symbols, s)
	}
}
