package stream

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy decides how long to wait before each reconnect attempt.
type ReconnectPolicy interface {
	// Next returns the delay before the next attempt, or false to give up.
	Next() (time.Duration, bool)

	// Reset is called after a successful connect.
	Reset()
}

// PolicyConfig configures BackoffPolicy.
type PolicyConfig struct {
	InitialInterval     time.Duration // defaults to 1s
	MaxInterval         time.Duration // defaults to 60s
	Multiplier          float64       // defaults to 2
	RandomizationFactor float64       // jitter ±factor; defaults to 0.5
	NoJitter            bool          // exact delays (tests)
	MaxRetries          int           // consecutive failed attempts before giving up; 0 = never
}

// BackoffPolicy is exponential backoff with jitter and an optional retry cap.
type BackoffPolicy struct {
	mu         sync.Mutex
	b          *backoff.ExponentialBackOff
	maxRetries int
	attempts   int
}

// NewBackoffPolicy creates a policy from cfg.
func NewBackoffPolicy(cfg PolicyConfig) *BackoffPolicy {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	} else {
		b.InitialInterval = time.Second
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	} else {
		b.MaxInterval = 60 * time.Second
	}
	if cfg.Multiplier > 1 {
		b.Multiplier = cfg.Multiplier
	} else {
		b.Multiplier = 2
	}
	switch {
	case cfg.NoJitter:
		b.RandomizationFactor = 0
	case cfg.RandomizationFactor > 0:
		b.RandomizationFactor = cfg.RandomizationFactor
	default:
		b.RandomizationFactor = 0.5
	}
	b.Reset()

	return &BackoffPolicy{b: b, maxRetries: cfg.MaxRetries}
}

func (p *BackoffPolicy) Next() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxRetries > 0 && p.attempts >= p.maxRetries {
		return 0, false
	}
	p.attempts++
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (p *BackoffPolicy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.b.Reset()
	p.mu.Unlock()
}

// Attempts returns the number of attempts since the last Reset.
func (p *BackoffPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
