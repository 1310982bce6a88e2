// Package dispatch fans each tick out to registered observers.
//
// Dispatch is synchronous and runs on the caller's goroutine (the stream read
// loop). Observer failures, including panics, are isolated: they are logged
// and counted per observer and never reach the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"trading-pipeline/internal/model"
)

// ErrObserverPanic wraps a value recovered from a panicking observer.
var ErrObserverPanic = errors.New("observer panicked")

// Observer receives every dispatched tick.
// Implementations must be comparable (pointer receivers are the norm) so
// that Register can de-duplicate by identity.
type Observer interface {
	OnTick(ctx context.Context, tick model.PriceTick) error
}

// Named is implemented by observers that want a readable label in logs and metrics.
type Named interface {
	Name() string
}

// FuncObserver adapts a function into an Observer. Always use it by pointer
// (see Func): func values are not comparable.
type FuncObserver struct {
	name string
	fn   func(ctx context.Context, tick model.PriceTick) error
}

// Func wraps fn as a named observer.
func Func(name string, fn func(ctx context.Context, tick model.PriceTick) error) *FuncObserver {
	return &FuncObserver{name: name, fn: fn}
}

func (f *FuncObserver) OnTick(ctx context.Context, tick model.PriceTick) error {
	return f.fn(ctx, tick)
}

func (f *FuncObserver) Name() string { return f.name }

// Dispatcher holds the observer list. The list is copy-on-write, so a
// dispatch in progress keeps the snapshot it started with.
type Dispatcher struct {
	log *zap.Logger

	mu        sync.RWMutex
	observers []Observer

	// OnError is called for every isolated observer failure (optional, e.g. metrics).
	OnError func(observer string, err error)
}

// New creates an empty dispatcher.
func New(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log.Named("dispatch")}
}

// Register adds o. Registering the same observer twice is a no-op.
// Returns true if o was added; nil or non-comparable observers are rejected.
func (d *Dispatcher) Register(o Observer) bool {
	if o == nil {
		return false
	}
	if !reflect.TypeOf(o).Comparable() {
		d.log.Warn("rejecting non-comparable observer", zap.String("observer", ObserverName(o)))
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.observers {
		if existing == o {
			return false
		}
	}
	next := make([]Observer, len(d.observers), len(d.observers)+1)
	copy(next, d.observers)
	d.observers = append(next, o)
	return true
}

// Unregister removes o if present.
func (d *Dispatcher) Unregister(o Observer) {
	if o == nil || !reflect.TypeOf(o).Comparable() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.observers {
		if existing == o {
			next := make([]Observer, 0, len(d.observers)-1)
			next = append(next, d.observers[:i]...)
			next = append(next, d.observers[i+1:]...)
			d.observers = next
			return
		}
	}
}

// Len returns the number of registered observers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

// Dispatch invokes every observer in registration order.
func (d *Dispatcher) Dispatch(ctx context.Context, tick model.PriceTick) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	for _, o := range observers {
		d.invoke(ctx, o, tick)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, o Observer, tick model.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(o, tick, fmt.Errorf("%w: %v", ErrObserverPanic, r))
		}
	}()
	if err := o.OnTick(ctx, tick); err != nil {
		d.fail(o, tick, err)
	}
}

func (d *Dispatcher) fail(o Observer, tick model.PriceTick, err error) {
	name := ObserverName(o)
	d.log.Error("observer failed",
		zap.String("observer", name),
		zap.String("symbol", tick.Symbol),
		zap.Error(err))
	if d.OnError != nil {
		d.OnError(name, err)
	}
}

// ObserverName returns o's Name() if it has one, else its dynamic type.
func ObserverName(o Observer) string {
	if n, ok := o.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", o)
}
