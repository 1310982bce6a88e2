package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"trading-pipeline/internal/model"
)

type recorder struct {
	mu    sync.Mutex
	name  string
	ticks []model.PriceTick
	err   error
	panic bool
}

func (r *recorder) OnTick(_ context.Context, tick model.PriceTick) error {
	r.mu.Lock()
	r.ticks = append(r.ticks, tick)
	r.mu.Unlock()
	if r.panic {
		panic("boom")
	}
	return r.err
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

// sliceObserver is deliberately non-comparable.
type sliceObserver []int

func (sliceObserver) OnTick(context.Context, model.PriceTick) error { return nil }

func sampleTick() model.PriceTick {
	return model.PriceTick{Symbol: "BTCUSDT", Price: decimal.RequireFromString("50000")}
}

func TestRegister_Idempotent(t *testing.T) {
	d := New(zap.NewNop())
	r := &recorder{name: "r"}

	if !d.Register(r) {
		t.Fatal("first Register should add")
	}
	if d.Register(r) {
		t.Error("second Register should be a no-op")
	}

	d.Dispatch(context.Background(), sampleTick())
	if r.count() != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", r.count())
	}
}

func TestRegister_RejectsNilAndNonComparable(t *testing.T) {
	d := New(nil)
	if d.Register(nil) {
		t.Error("nil observer should be rejected")
	}
	if d.Register(sliceObserver{1}) {
		t.Error("non-comparable observer should be rejected")
	}
	if d.Len() != 0 {
		t.Errorf("expected no observers, got %d", d.Len())
	}
}

func TestUnregister(t *testing.T) {
	d := New(zap.NewNop())
	a, b := &recorder{name: "a"}, &recorder{name: "b"}
	d.Register(a)
	d.Register(b)

	d.Unregister(a)
	d.Unregister(a) // absent → no-op
	d.Unregister(&recorder{name: "never"})

	d.Dispatch(context.Background(), sampleTick())
	if a.count() != 0 || b.count() != 1 {
		t.Errorf("a=%d b=%d, want 0/1", a.count(), b.count())
	}
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := New(zap.New(core))

	var failures []string
	d.OnError = func(name string, err error) { failures = append(failures, name) }

	failing := &recorder{name: "failing", err: errors.New("downstream unavailable")}
	panicking := &recorder{name: "panicking", panic: true}
	healthy := &recorder{name: "healthy"}
	d.Register(failing)
	d.Register(panicking)
	d.Register(healthy)

	d.Dispatch(context.Background(), sampleTick())

	if healthy.count() != 1 {
		t.Errorf("healthy observer should still run, got %d calls", healthy.count())
	}
	if len(failures) != 2 || failures[0] != "failing" || failures[1] != "panicking" {
		t.Errorf("OnError calls = %v", failures)
	}
	if logs.FilterMessage("observer failed").Len() != 2 {
		t.Errorf("expected 2 error logs, got %d", logs.Len())
	}
}

func TestDispatch_PanicErrorWrapped(t *testing.T) {
	d := New(zap.NewNop())
	var got error
	d.OnError = func(_ string, err error) { got = err }
	d.Register(&recorder{panic: true})

	d.Dispatch(context.Background(), sampleTick())
	if !errors.Is(got, ErrObserverPanic) {
		t.Errorf("expected ErrObserverPanic, got %v", got)
	}
}

func TestDispatch_RegistrationOrder(t *testing.T) {
	d := New(zap.NewNop())
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		d.Register(Func(name, func(context.Context, model.PriceTick) error {
			order = append(order, name)
			return nil
		}))
	}

	d.Dispatch(context.Background(), sampleTick())
	if len(order) != 3 || order[0] != "first" || order[2] != "third" {
		t.Errorf("order = %v", order)
	}
}

func TestDispatch_RegisterDuringDispatch(t *testing.T) {
	d := New(zap.NewNop())
	late := &recorder{name: "late"}
	d.Register(Func("registrar", func(context.Context, model.PriceTick) error {
		d.Register(late)
		return nil
	}))

	d.Dispatch(context.Background(), sampleTick())
	if late.count() != 0 {
		t.Error("observer registered mid-dispatch should wait for the next tick")
	}
	d.Dispatch(context.Background(), sampleTick())
	if late.count() != 1 {
		t.Errorf("expected late observer on next tick, got %d", late.count())
	}
}

func TestObserverName(t *testing.T) {
	if got := ObserverName(&recorder{name: "x"}); got != "x" {
		t.Errorf("got %q", got)
	}
	if got := ObserverName(sliceObserver{}); got != "dispatch.sliceObserver" {
		t.Errorf("got %q", got)
	}
}
