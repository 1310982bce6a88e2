package redis

import (
	"context"

	"go.uber.org/zap"

	"trading-pipeline/internal/model"
)

// DefaultTickQueue is the TickWriter queue size when none is given.
const DefaultTickQueue = 1024

// TickWriter is the dispatch observer for ticks. OnTick only enqueues and Run
// performs the writes, so Redis latency stays off the stream read loop. A
// tick that finds the queue full is dropped.
type TickWriter struct {
	pub   *Publisher
	queue chan model.PriceTick
	log   *zap.Logger

	// OnDrop is called for every tick dropped on a full queue (optional).
	OnDrop func(symbol string)
}

// NewTickWriter queues up to size ticks in front of p.
func NewTickWriter(p *Publisher, size int) *TickWriter {
	if size <= 0 {
		size = DefaultTickQueue
	}
	return &TickWriter{
		pub:   p,
		queue: make(chan model.PriceTick, size),
		log:   p.log.Named("ticks"),
	}
}

// Name identifies the writer in dispatch logs.
func (w *TickWriter) Name() string { return "redis" }

// OnTick enqueues tick and returns immediately. It never reports an error:
// write failures surface through the publisher's OnWrite hook.
func (w *TickWriter) OnTick(_ context.Context, tick model.PriceTick) error {
	select {
	case w.queue <- tick:
	default:
		w.log.Debug("tick queue full, dropping", zap.String("symbol", tick.Symbol))
		if w.OnDrop != nil {
			w.OnDrop(tick.Symbol)
		}
	}
	return nil
}

// Pending returns the number of queued ticks.
func (w *TickWriter) Pending() int { return len(w.queue) }

// Run writes queued ticks until ctx is cancelled.
func (w *TickWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-w.queue:
			// Failures are counted by OnWrite and gated by the breaker.
			_ = w.pub.OnTick(ctx, tick)
		}
	}
}
