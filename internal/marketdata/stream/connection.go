// Package stream owns the live ticker websocket: one multiplexed connection
// for a fixed symbol set, a read loop that turns frames into ticks, and a
// supervisor that reconnects with backoff when the connection drops.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-pipeline/internal/model"
)

var (
	// ErrNoSymbols is returned by Start when the symbol set is empty.
	ErrNoSymbols = errors.New("stream: no symbols to subscribe")

	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("stream: already running")

	// ErrConnectionLost wraps the transport error that ended a session.
	ErrConnectionLost = errors.New("stream: connection lost")

	// ErrNotStarted is reported by Err before the first Start.
	ErrNotStarted = errors.New("stream: not started")
)

// PriceUpdater stores parsed ticks (the price cache).
type PriceUpdater interface {
	Update(tick model.PriceTick)
}

// TickDispatcher fans parsed ticks out to observers.
type TickDispatcher interface {
	Dispatch(ctx context.Context, tick model.PriceTick)
}

// Config configures the connection.
type Config struct {
	// BaseURL of the streaming endpoint, e.g. "wss://stream.binance.com:9443".
	BaseURL string

	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// IdleTimeout ends the session when nothing (frame or ping) arrives
	// for this long. Defaults to 5 minutes; the upstream pings every 3.
	IdleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Connection is one streaming session at a time. Changing the symbol set
// requires Stop then Start.
type Connection struct {
	cfg        Config
	cache      PriceUpdater
	dispatcher TickDispatcher
	log        *zap.Logger
	dialer     *websocket.Dialer

	running atomic.Bool
	startMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	symbols []string
	seen    map[string]bool // subscribed symbol → delivered a tick
	pending int
	allSeen chan struct{}

	// Optional hooks (e.g. metrics, health).
	OnTick       func(tick model.PriceTick)
	OnParseError func(err error)
	OnState      func(connected bool)
}

// New creates an idle connection that feeds cache then dispatcher.
func New(cfg Config, cache PriceUpdater, dispatcher TickDispatcher, log *zap.Logger) *Connection {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Connection{
		cfg:        cfg,
		cache:      cache,
		dispatcher: dispatcher,
		log:        log.Named("stream"),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		done: done,
		err:  ErrNotStarted,
	}
}

// StreamURL returns the multiplexed endpoint for symbols:
// <base>/ws/<s1>@ticker/<s2>@ticker/...
func StreamURL(base string, symbols []string) string {
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = strings.ToLower(s) + "@ticker"
	}
	return strings.TrimRight(base, "/") + "/ws/" + strings.Join(parts, "/")
}

// Start dials one connection for all symbols and starts the read loop.
// It fails if symbols is empty, a session is already running, or the dial
// fails. Cancelling ctx ends the session like Stop.
func (c *Connection) Start(ctx context.Context, symbols []string) error {
	symbols = model.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.running.Load() {
		return ErrAlreadyRunning
	}

	url := StreamURL(c.cfg.BaseURL, symbols)
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", url, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.err = nil
	c.symbols = symbols
	c.seen = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		c.seen[s] = false
	}
	c.pending = len(symbols)
	c.allSeen = make(chan struct{})
	c.mu.Unlock()

	c.running.Store(true)
	c.log.Info("connected", zap.Strings("symbols", symbols), zap.String("url", url))
	if c.OnState != nil {
		c.OnState(true)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Closes the transport when the session is cancelled, unblocking ReadMessage.
	go func() {
		select {
		case <-loopCtx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	go c.readLoop(loopCtx, conn, done)
	return nil
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	var exitErr error
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.err = exitErr
		c.mu.Unlock()
		c.running.Store(false)
		if c.OnState != nil {
			c.OnState(false)
		}
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				exitErr = fmt.Errorf("%w: %v", ErrConnectionLost, err)
				c.log.Warn("read loop ended", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))

		tick, err := ParseFrame(raw)
		if err != nil {
			c.log.Warn("skipping frame", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
			if c.OnParseError != nil {
				c.OnParseError(err)
			}
			continue
		}

		// Stop has been requested: nothing is dispatched past this point.
		if ctx.Err() != nil {
			return
		}

		c.cache.Update(tick)
		c.dispatcher.Dispatch(ctx, tick)
		c.markSeen(tick.Symbol)
		if c.OnTick != nil {
			c.OnTick(tick)
		}
	}
}

// Stop ends the session and returns once the read loop has exited; no
// dispatch happens after it returns. Safe to call repeatedly or before Start.
// Must not be called from an observer (it would wait on its own loop).
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

// IsRunning reports whether the read loop is active.
func (c *Connection) IsRunning() bool {
	return c.running.Load()
}

// Done is closed when the current session's read loop exits. Before the
// first Start it is already closed.
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the last session ended: nil after Stop, ErrConnectionLost
// after a transport failure, ErrNotStarted before the first Start.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Symbols returns the current subscription.
func (c *Connection) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.symbols...)
}

// AwaitFirstTick blocks until every subscribed symbol has delivered a tick,
// the timeout elapses, the session ends, or ctx is done. It returns the
// symbols that did deliver; callers treat the rest as having no live data.
func (c *Connection) AwaitFirstTick(ctx context.Context, timeout time.Duration) []string {
	c.mu.Lock()
	allSeen, done := c.allSeen, c.done
	c.mu.Unlock()

	if allSeen != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-allSeen:
		case <-timer.C:
		case <-done:
		case <-ctx.Done():
		}
	}
	return c.seenSymbols()
}

// Missing waits like AwaitFirstTick and returns the subscribed symbols that
// delivered nothing, in subscription order.
func (c *Connection) Missing(ctx context.Context, timeout time.Duration) []string {
	c.AwaitFirstTick(ctx, timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.symbols {
		if !c.seen[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c *Connection) markSeen(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delivered, subscribed := c.seen[symbol]
	if !subscribed || delivered {
		return
	}
	c.seen[symbol] = true
	c.pending--
	if c.pending == 0 {
		close(c.allSeen)
	}
}

func (c *Connection) seenSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for _, s := range c.symbols {
		if c.seen[s] {
			out = append(out, s)
		}
	}
	return out
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
