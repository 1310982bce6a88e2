package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxKlines = 1000

// hub fans ticker frames out to connected clients by symbol.
type hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

type client struct {
	symbols map[string]bool
	ch      chan []byte
}

func newHub(log *zap.Logger) *hub {
	return &hub{log: log, clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn, symbols []string) *client {
	c := &client{symbols: make(map[string]bool, len(symbols)), ch: make(chan []byte, 256)}
	for _, s := range symbols {
		c.symbols[s] = true
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(symbol string, frame map[string]any) {
	msg, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.symbols[symbol] {
			continue
		}
		select {
		case c.ch <- msg:
		default: // slow client, drop frame
		}
	}
}

// streamSymbols parses "/btcusdt@ticker/ethusdt@ticker" into upper-case symbols.
func streamSymbols(path string) []string {
	var out []string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		sym, kind, ok := strings.Cut(part, "@")
		if !ok || kind != "ticker" || sym == "" {
			continue
		}
		out = append(out, strings.ToUpper(sym))
	}
	return out
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newRouter(h *hub, mkt *market, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "tickserver"})
	})

	r.GET("/ws/*streams", func(c *gin.Context) {
		symbols := streamSymbols(c.Param("streams"))
		if len(symbols) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": -1121, "msg": "no ticker streams in path"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.Error(err))
			return
		}
		log.Info("client connected", zap.String("remote", c.Request.RemoteAddr), zap.Strings("symbols", symbols))

		cl := h.register(conn, symbols)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("client disconnected", zap.String("remote", c.Request.RemoteAddr))
		}()

		// Read pump: detects client close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range cl.ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	})

	api := r.Group("/api/v3")
	api.GET("/ticker/24hr", func(c *gin.Context) {
		in, ok := mkt.get(strings.ToUpper(c.Query("symbol")))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": -1121, "msg": "Invalid symbol."})
			return
		}
		c.JSON(http.StatusOK, in.tickerResponse(time.Now().UTC()))
	})

	api.GET("/klines", func(c *gin.Context) {
		symbol := strings.ToUpper(c.Query("symbol"))
		if _, ok := mkt.get(symbol); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": -1121, "msg": "Invalid symbol."})
			return
		}
		interval, ok := intervals[c.Query("interval")]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": -1120, "msg": "Invalid interval."})
			return
		}
		limit := 500
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": -1100, "msg": "Illegal limit."})
				return
			}
			limit = min(n, maxKlines)
		}

		end := time.Now().UTC()
		if ms, err := strconv.ParseInt(c.Query("endTime"), 10, 64); err == nil {
			end = time.UnixMilli(ms).UTC()
		}
		start := end.Add(-time.Duration(limit-1) * interval).Truncate(interval)
		if ms, err := strconv.ParseInt(c.Query("startTime"), 10, 64); err == nil {
			start = time.UnixMilli(ms).UTC()
		}
		c.JSON(http.StatusOK, klines(symbol, interval, start, end, limit))
	})

	return r
}
