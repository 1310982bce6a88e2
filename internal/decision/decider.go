// Package decision turns market snapshots into trading signals.
//
// A Decider receives one snapshot and returns a Signal (BUY/SELL/HOLD).
// Deciders may block (remote model calls), so they only ever run on the
// Worker's goroutine, never on the stream read loop or the polling loop.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading-pipeline/internal/model"
)

// Action represents a trading action.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal represents a trading recommendation for one symbol.
type Signal struct {
	Symbol        string    `json:"symbol"`
	Action        Action    `json:"action"`
	Confidence    float64   `json:"confidence"` // 0-100
	StopLossPct   float64   `json:"stop_loss_pct"`
	TakeProfitPct float64   `json:"take_profit_pct"`
	Risk          int       `json:"risk"` // 1-10
	Price         float64   `json:"price"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	ShouldTrade   bool      `json:"should_trade"`
	At            time.Time `json:"at"`
}

// Decider is the interface every decision backend implements.
type Decider interface {
	// Name returns the unique name of the decider.
	Name() string

	// Decide evaluates snap. It may block; ctx bounds it.
	Decide(ctx context.Context, snap model.MarketSnapshot) (Signal, error)
}

// ErrNoDeciders is returned by an empty Consensus.
var ErrNoDeciders = errors.New("decision: no deciders configured")

// Consensus asks every decider and only marks the result tradable when they
// all agree on a non-HOLD action with an average confidence of at least
// MinConfidence. Any decider failing means no signal this cycle.
type Consensus struct {
	Deciders      []Decider
	MinConfidence float64
}

func (c *Consensus) Name() string { return "consensus" }

func (c *Consensus) Decide(ctx context.Context, snap model.MarketSnapshot) (Signal, error) {
	if len(c.Deciders) == 0 {
		return Signal{}, ErrNoDeciders
	}

	signals := make([]Signal, 0, len(c.Deciders))
	for _, d := range c.Deciders {
		s, err := d.Decide(ctx, snap)
		if err != nil {
			return Signal{}, fmt.Errorf("decision: %s: %w", d.Name(), err)
		}
		signals = append(signals, s)
	}

	first := signals[0]
	out := Signal{
		Symbol: snap.Symbol,
		Action: first.Action,
		Price:  snap.CurrentPrice,
		Source: c.Name(),
		At:     snap.Timestamp,
	}
	agree := true
	for _, s := range signals {
		if s.Action != first.Action {
			agree = false
		}
		out.Confidence += s.Confidence
		out.StopLossPct += s.StopLossPct
		out.TakeProfitPct += s.TakeProfitPct
		if s.Risk > out.Risk {
			out.Risk = s.Risk
		}
	}
	n := float64(len(signals))
	out.Confidence /= n
	out.StopLossPct /= n
	out.TakeProfitPct /= n

	switch {
	case !agree:
		out.Action = ActionHold
		out.Reason = "deciders disagree"
	case first.Action == ActionHold:
		out.Reason = first.Reason
	case out.Confidence < c.MinConfidence:
		out.Reason = fmt.Sprintf("confidence %.1f below %.1f", out.Confidence, c.MinConfidence)
	default:
		out.ShouldTrade = true
		out.Reason = first.Reason
	}
	return out, nil
}
