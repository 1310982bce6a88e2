package decision

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trading-pipeline/internal/model"
)

const signalBuffer = 64

// Worker runs a Decider on its own goroutine. Snapshots are queued without
// blocking the caller; when the queue is full the snapshot is dropped, so a
// slow backend never stalls market-data collection.
type Worker struct {
	decider Decider
	queue   chan model.MarketSnapshot
	signals chan Signal
	log     *zap.Logger

	// Timeout bounds a single Decide call. Defaults to 30s.
	Timeout time.Duration

	// Optional hooks.
	OnSignal func(sig Signal)
	OnDrop   func(symbol string)
	OnError  func(symbol string, err error)
}

// NewWorker creates a worker with a queue of queueSize snapshots.
func NewWorker(d Decider, queueSize int, log *zap.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		decider: d,
		queue:   make(chan model.MarketSnapshot, queueSize),
		signals: make(chan Signal, signalBuffer),
		log:     log.Named("decision"),
		Timeout: 30 * time.Second,
	}
}

// Submit queues snap. Returns false when the queue is full.
func (w *Worker) Submit(snap model.MarketSnapshot) bool {
	select {
	case w.queue <- snap:
		return true
	default:
		w.log.Warn("decision queue full, dropping snapshot", zap.String("symbol", snap.Symbol))
		if w.OnDrop != nil {
			w.OnDrop(snap.Symbol)
		}
		return false
	}
}

// Signals returns the channel of produced signals. A full channel drops
// signals rather than blocking the worker. Closed when Run returns.
func (w *Worker) Signals() <-chan Signal {
	return w.signals
}

// Run processes queued snapshots until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.signals)
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.queue:
			w.decide(ctx, snap)
		}
	}
}

func (w *Worker) decide(ctx context.Context, snap model.MarketSnapshot) {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	sig, err := w.decider.Decide(ctx, snap)
	if err != nil {
		w.log.Warn("no decision", zap.String("symbol", snap.Symbol), zap.String("decider", w.decider.Name()), zap.Error(err))
		if w.OnError != nil {
			w.OnError(snap.Symbol, err)
		}
		return
	}

	w.log.Info("decision",
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.Float64("confidence", sig.Confidence),
		zap.Bool("should_trade", sig.ShouldTrade),
		zap.Float64("price", sig.Price),
		zap.Float64("price_change_24h", snap.PriceChange24h),
		zap.String("reason", sig.Reason),
	)
	if w.OnSignal != nil {
		w.OnSignal(sig)
	}
	select {
	case w.signals <- sig:
	default:
		// signal channel full, drop
	}
}
