package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrRetriesExhausted is returned by Supervisor.Run when the policy gives up.
var ErrRetriesExhausted = errors.New("stream: reconnect attempts exhausted")

// Supervisor keeps a Connection alive: when the session drops it waits per
// the ReconnectPolicy and starts a new one for the same symbols.
type Supervisor struct {
	conn    *Connection
	symbols []string
	policy  ReconnectPolicy
	log     *zap.Logger

	// Sleep waits d or until ctx is done (defaults to a timer). Replace in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// Optional hooks.
	OnReconnect func(attempt int, delay time.Duration, cause error)
	OnConnected func()
	OnGiveUp    func(cause error)
}

// NewSupervisor wraps conn.
func NewSupervisor(conn *Connection, symbols []string, policy ReconnectPolicy, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		conn:    conn,
		symbols: symbols,
		policy:  policy,
		log:     log.Named("supervisor"),
		Sleep:   sleepCtx,
	}
}

// Start makes the initial connection. A failure here is returned to the
// caller rather than retried, so startup problems surface immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.conn.Start(ctx, s.symbols); err != nil {
		return err
	}
	s.policy.Reset()
	if s.OnConnected != nil {
		s.OnConnected()
	}
	return nil
}

// Run watches the connection and reconnects after drops. It blocks until
// ctx is done (returns nil, connection stopped) or the policy gives up
// (returns ErrRetriesExhausted wrapping the last failure).
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.conn.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.conn.Done():
		}
		if ctx.Err() != nil {
			return nil
		}

		cause := s.conn.Err()
		s.log.Warn("stream down, reconnecting", zap.Error(cause))

		if err := s.reconnect(ctx, cause); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context, cause error) error {
	for attempt := 1; ; attempt++ {
		delay, ok := s.policy.Next()
		if !ok {
			s.log.Error("giving up on stream", zap.Int("attempts", attempt-1), zap.Error(cause))
			if s.OnGiveUp != nil {
				s.OnGiveUp(cause)
			}
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)
		}

		if s.OnReconnect != nil {
			s.OnReconnect(attempt, delay, cause)
		}
		s.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := s.Sleep(ctx, delay); err != nil {
			return nil
		}

		err := s.conn.Start(ctx, s.symbols)
		if err == nil || errors.Is(err, ErrAlreadyRunning) {
			s.policy.Reset()
			if s.OnConnected != nil {
				s.OnConnected()
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		cause = err
		s.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
