package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"trading-pipeline/internal/model"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func TestSupervisor_ReconnectsAfterDrop(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	policy := NewBackoffPolicy(PolicyConfig{InitialInterval: 10 * time.Millisecond, NoJitter: true})
	sup := NewSupervisor(p.conn, []string{"BTCUSDT"}, policy, zap.NewNop())
	sleeps := &sleepRecorder{}
	sup.Sleep = sleeps.sleep

	reconnected := make(chan struct{}, 4)
	var causes []error
	var mu sync.Mutex
	sup.OnReconnect = func(attempt int, delay time.Duration, cause error) {
		mu.Lock()
		causes = append(causes, cause)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sup.OnConnected = func() { reconnected <- struct{}{} }

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	// Drop the first session from the server side.
	ts.accept(t).Close()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not reconnect")
	}

	// The new session delivers ticks as before.
	send(t, ts.accept(t), `{"s":"BTCUSDT","c":"123.45"}`)
	if tick := p.rec.wait(t); tick.PriceFloat() != 123.45 {
		t.Errorf("tick after reconnect = %+v", tick)
	}

	if got := sleeps.recorded(); len(got) != 1 || got[0] != 10*time.Millisecond {
		t.Errorf("sleeps = %v, want [10ms]", got)
	}
	mu.Lock()
	if len(causes) != 1 || !errors.Is(causes[0], ErrConnectionLost) {
		t.Errorf("reconnect causes = %v", causes)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if p.conn.IsRunning() {
		t.Error("Run must stop the connection on exit")
	}
}

func TestSupervisor_GivesUp(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	policy := NewBackoffPolicy(PolicyConfig{InitialInterval: time.Millisecond, MaxRetries: 2, NoJitter: true})
	sup := NewSupervisor(p.conn, []string{"BTCUSDT"}, policy, nil)
	sleeps := &sleepRecorder{}
	sup.Sleep = sleeps.sleep

	var gaveUp error
	sup.OnGiveUp = func(cause error) { gaveUp = cause }

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	server := ts.accept(t)

	// Take the server down entirely so every redial fails.
	ts.srv.Close()
	server.Close()

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Errorf("Run = %v, want ErrRetriesExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up")
	}
	if gaveUp == nil {
		t.Error("OnGiveUp not called")
	}
	if n := len(sleeps.recorded()); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestSupervisor_StartFailureReturned(t *testing.T) {
	conn := New(Config{BaseURL: "ws://127.0.0.1:1", HandshakeTimeout: time.Second}, &nopUpdater{}, &nopDispatcher{}, nil)
	sup := NewSupervisor(conn, []string{"BTCUSDT"}, NewBackoffPolicy(PolicyConfig{}), nil)
	connected := false
	sup.OnConnected = func() { connected = true }

	if err := sup.Start(context.Background()); err == nil {
		t.Fatal("expected initial connect failure")
	}
	if connected {
		t.Error("OnConnected must not fire on failure")
	}
}

func TestSupervisor_CancelWhileWaiting(t *testing.T) {
	ts := newTickServer(t)
	p := newPipeline(ts)
	sup := NewSupervisor(p.conn, []string{"BTCUSDT"}, NewBackoffPolicy(PolicyConfig{}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts.accept(t)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

type nopUpdater struct{}

func (nopUpdater) Update(model.PriceTick) {}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, model.PriceTick) {}
