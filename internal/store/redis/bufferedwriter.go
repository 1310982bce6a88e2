package redis

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"trading-pipeline/internal/breaker"
	"trading-pipeline/internal/model"
)

// BufferedPublisher wraps a Publisher so snapshots survive a Redis outage.
// While the breaker is open the newest snapshot per symbol is held locally
// and written once the breaker closes again. Older snapshots for the same
// symbol are superseded, so the buffer never exceeds one entry per symbol.
type BufferedPublisher struct {
	pub *Publisher
	ctx context.Context
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]model.MarketSnapshot

	// Callbacks
	OnBuffer func()          // called when a snapshot is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered snapshots
}

// NewBufferedPublisher wraps p. ctx bounds background flushes.
func NewBufferedPublisher(ctx context.Context, p *Publisher) *BufferedPublisher {
	bp := &BufferedPublisher{
		pub:     p,
		ctx:     ctx,
		log:     p.log.Named("buffer"),
		pending: make(map[string]model.MarketSnapshot),
	}

	// Flush on circuit close. The hook runs under the breaker lock.
	b := p.Breaker()
	prev := b.OnStateChange
	b.OnStateChange = func(name string, from, to breaker.State) {
		if prev != nil {
			prev(name, from, to)
		}
		if to == breaker.StateClosed {
			go bp.Flush()
		}
	}
	return bp
}

// PublishSnapshot writes through, or buffers when the breaker is open.
func (bp *BufferedPublisher) PublishSnapshot(ctx context.Context, snap model.MarketSnapshot) error {
	err := bp.pub.PublishSnapshot(ctx, snap)
	if errors.Is(err, breaker.ErrCircuitOpen) {
		bp.buffer(snap)
		return nil // buffered, not lost
	}
	return err
}

func (bp *BufferedPublisher) buffer(snap model.MarketSnapshot) {
	bp.mu.Lock()
	bp.pending[snap.Symbol] = snap
	bp.mu.Unlock()

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// Flush writes every buffered snapshot. Snapshots that fail again stay
// buffered unless a newer one arrived meanwhile.
func (bp *BufferedPublisher) Flush() {
	bp.mu.Lock()
	if len(bp.pending) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.pending
	bp.pending = make(map[string]model.MarketSnapshot, len(toFlush))
	bp.mu.Unlock()

	flushed := 0
	for sym, snap := range toFlush {
		if err := bp.pub.PublishSnapshot(bp.ctx, snap); err != nil {
			bp.mu.Lock()
			if _, newer := bp.pending[sym]; !newer {
				bp.pending[sym] = snap
			}
			bp.mu.Unlock()
			continue
		}
		flushed++
	}

	bp.log.Info("flushed buffered snapshots", zap.Int("count", flushed))
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered snapshots.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pending)
}
