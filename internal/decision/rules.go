package decision

import (
	"context"
	"math"

	"trading-pipeline/internal/model"
)

// RuleDecider derives a signal from the snapshot's own indicators.
//
// Buy signal: bullish trend, RSI below Overbought, price above its SMA
// Sell signal: bearish trend, RSI above Oversold, price below its SMA
//
// Anything else holds. Confidence grows with the distance from the SMA;
// stop loss and take profit scale with volatility above their floors.
type RuleDecider struct {
	name string

	Overbought float64 // default 70
	Oversold   float64 // default 30

	MinStopLossPct   float64
	MinTakeProfitPct float64
}

// NewRuleDecider creates a rule decider with the given exit floors (percent).
func NewRuleDecider(minStopLossPct, minTakeProfitPct float64) *RuleDecider {
	return &RuleDecider{
		name:             "rules",
		Overbought:       70,
		Oversold:         30,
		MinStopLossPct:   minStopLossPct,
		MinTakeProfitPct: minTakeProfitPct,
	}
}

func (r *RuleDecider) Name() string { return r.name }

func (r *RuleDecider) Decide(_ context.Context, snap model.MarketSnapshot) (Signal, error) {
	sig := Signal{
		Symbol: snap.Symbol,
		Action: ActionHold,
		Price:  snap.CurrentPrice,
		Source: r.name,
		At:     snap.Timestamp,
	}
	sig.StopLossPct = math.Max(r.MinStopLossPct, 1.5*snap.Volatility)
	sig.TakeProfitPct = math.Max(r.MinTakeProfitPct, 1.5*sig.StopLossPct)
	sig.Risk = riskScore(snap.Volatility)

	ind := snap.Indicators
	if !ind.Valid {
		sig.Reason = "not enough candles for indicators"
		return sig, nil
	}

	above := !ind.HasPriceVsSMA || ind.PriceVsSMA > 0
	below := !ind.HasPriceVsSMA || ind.PriceVsSMA < 0

	switch {
	case snap.Trend == model.TrendBullish && ind.RSI14 < r.Overbought && above:
		sig.Action = ActionBuy
		sig.Reason = "bullish trend, rsi below overbought"
	case snap.Trend == model.TrendBearish && ind.RSI14 > r.Oversold && below:
		sig.Action = ActionSell
		sig.Reason = "bearish trend, rsi above oversold"
	default:
		sig.Confidence = 50
		sig.Reason = "no setup"
		return sig, nil
	}

	sig.Confidence = 50
	if ind.HasPriceVsSMA {
		sig.Confidence += math.Min(50, math.Abs(ind.PriceVsSMA)*10)
	}
	return sig, nil
}

// riskScore maps mean hourly % change to 1 (calm) .. 10 (wild).
func riskScore(volatility float64) int {
	r := int(math.Ceil(volatility * 2))
	if r < 1 {
		return 1
	}
	if r > 10 {
		return 10
	}
	return r
}

// LogDecider always holds; it lets the pipeline run without a backend.
type LogDecider struct{}

func (LogDecider) Name() string { return "log" }

func (LogDecider) Decide(_ context.Context, snap model.MarketSnapshot) (Signal, error) {
	return Signal{
		Symbol: snap.Symbol,
		Action: ActionHold,
		Price:  snap.CurrentPrice,
		Source: "log",
		Reason: "observe only",
		At:     snap.Timestamp,
	}, nil
}
