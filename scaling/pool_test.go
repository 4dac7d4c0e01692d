package scaling

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/store/memory"
	"github.com/stromq/strom/worker"
)

func testFactory(store job.Store, logger *slog.Logger, hookReg *hooks.Registry) WorkerFactory {
	executor := worker.NewExecutor(job.NewRegistry(), hookReg, store, logger)
	return func(queue string) *worker.Worker {
		return worker.New(store, executor, hookReg, queue, logger)
	}
}

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	hookReg := hooks.NewRegistry(logger)
	return NewPool(cfg, testFactory(memory.New(), logger, hookReg), hookReg, logger)
}

func TestPoolClampsInitialToBounds(t *testing.T) {
	p := newTestPool(t, PoolConfig{Queue: "q", Min: 2, Max: 5, Initial: 10})
	if got := p.Size(); got != 5 {
		t.Errorf("size = %d, want clamped to max 5", got)
	}

	p = newTestPool(t, PoolConfig{Queue: "q", Min: 3, Max: 5, Initial: 1})
	if got := p.Size(); got != 3 {
		t.Errorf("size = %d, want raised to min 3", got)
	}
}

func TestScaleToRespectsBounds(t *testing.T) {
	p := newTestPool(t, PoolConfig{Queue: "q", Min: 1, Max: 4, Initial: 2})
	ctx := context.Background()

	if err := p.ScaleTo(ctx, 5, "test"); !errors.Is(err, strom.ErrInvalidArgument) {
		t.Errorf("ScaleTo above max err = %v, want ErrInvalidArgument", err)
	}
	if err := p.ScaleTo(ctx, 0, "test"); !errors.Is(err, strom.ErrInvalidArgument) {
		t.Errorf("ScaleTo below min err = %v, want ErrInvalidArgument", err)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("size after rejected scaling = %d, want 2", got)
	}

	if err := p.ScaleTo(ctx, 4, "grow"); err != nil {
		t.Fatalf("ScaleTo(4): %v", err)
	}
	if got := p.Size(); got != 4 {
		t.Errorf("size = %d, want 4", got)
	}

	if err := p.ScaleTo(ctx, 1, "shrink"); err != nil {
		t.Fatalf("ScaleTo(1): %v", err)
	}
	if got := p.Size(); got != 1 {
		t.Errorf("size = %d, want 1", got)
	}
}

func TestScaleToRecordsEvents(t *testing.T) {
	p := newTestPool(t, PoolConfig{Queue: "q", Min: 1, Max: 4, Initial: 1})
	ctx := context.Background()

	if err := p.ScaleTo(ctx, 3, "load spike"); err != nil {
		t.Fatalf("ScaleTo: %v", err)
	}
	events := p.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Direction != ScaleUp || e.From != 1 || e.To != 3 || e.Reason != "load spike" {
		t.Errorf("event = %+v, want up 1→3 load spike", e)
	}
	if e.ID.IsNil() {
		t.Error("event id is nil")
	}
}

func TestEventHistoryIsCapped(t *testing.T) {
	p := newTestPool(t, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 1})
	ctx := context.Background()

	target := 2
	for range maxEvents + 10 {
		if err := p.ScaleTo(ctx, target, "churn"); err != nil {
			t.Fatalf("ScaleTo: %v", err)
		}
		if target == 2 {
			target = 1
		} else {
			target = 2
		}
	}
	if got := len(p.Events()); got != maxEvents {
		t.Errorf("retained %d events, want %d", got, maxEvents)
	}
}

func TestPoolCapacity(t *testing.T) {
	p := newTestPool(t, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 3, Concurrency: 4})
	if got := p.Capacity(); got != 12 {
		t.Errorf("capacity = %d, want 12", got)
	}
}
