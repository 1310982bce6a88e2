package decision

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"trading-pipeline/internal/logger"
	"trading-pipeline/internal/markethours"
	"trading-pipeline/internal/model"
)

// MarketData is the facade the loop reads from.
type MarketData interface {
	GetMarketData(ctx context.Context, symbol string) (model.MarketSnapshot, bool)
}

// Submitter accepts snapshots for decision (the Worker).
type Submitter interface {
	Submit(snap model.MarketSnapshot) bool
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Symbols  []string
	Interval time.Duration // defaults to 5 minutes
	Window   markethours.Window

	// Concurrency bounds parallel snapshot requests. Defaults to 4.
	Concurrency int

	// Now is the clock (defaults to time.Now).
	Now func() time.Time
}

// Loop periodically pulls a snapshot per symbol and hands it to the worker.
type Loop struct {
	cfg       LoopConfig
	md        MarketData
	submitter Submitter
	publisher model.SnapshotPublisher
	log       *zap.Logger

	// Optional hooks.
	OnWindow func(open bool)
	OnSkip   func(symbol string)
}

// NewLoop creates a loop. publisher may be nil.
func NewLoop(cfg LoopConfig, md MarketData, submitter Submitter, publisher model.SnapshotPublisher, log *zap.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Symbols = model.NormalizeSymbols(cfg.Symbols)
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		cfg:       cfg,
		md:        md,
		submitter: submitter,
		publisher: publisher,
		log:       log.Named("loop"),
	}
}

// Run runs one cycle immediately and then every Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		l.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce requests a snapshot for every symbol and submits the ones that
// exist. Symbols without data are skipped for this cycle. Returns the
// number of snapshots submitted.
func (l *Loop) RunOnce(ctx context.Context) int {
	now := l.cfg.Now()
	open := l.cfg.Window.IsOpen(now)
	if l.OnWindow != nil {
		l.OnWindow(open)
	}
	if !open {
		l.log.Debug("outside trading window", zap.String("status", l.cfg.Window.StatusString(now)))
		return 0
	}

	var submitted atomic.Int64
	p := pool.New().WithMaxGoroutines(l.cfg.Concurrency)
	for _, symbol := range l.cfg.Symbols {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			symCtx := logger.WithTraceID(ctx, logger.GenerateTraceID(symbol, now))

			snap, ok := l.md.GetMarketData(symCtx, symbol)
			if !ok {
				l.log.Warn("no market data available, skipping", append(logger.LogWithTrace(symCtx), zap.String("symbol", symbol))...)
				if l.OnSkip != nil {
					l.OnSkip(symbol)
				}
				return
			}

			if l.publisher != nil {
				if err := l.publisher.PublishSnapshot(symCtx, snap); err != nil {
					l.log.Warn("snapshot publish failed", zap.String("symbol", symbol), zap.Error(err))
				}
			}
			if l.submitter.Submit(snap) {
				submitted.Add(1)
			}
		})
	}
	p.Wait()
	return int(submitted.Load())
}
