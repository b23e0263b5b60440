package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps payment requests past their expiry into
// EXPIRED. The reconciler independently refuses late completions, so
// the sweep is about making stored state match what clients are
// already being told, not about correctness of the transition graph.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	batch      int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates an expiry sweeper.
func NewTimer(reconciler *Reconciler, logger *slog.Logger) *Timer {
	return &Timer{
		reconciler: reconciler,
		interval:   30 * time.Second,
		batch:      100,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payment expiry sweep", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.reconciler.ExpireDue(ctx, t.batch)
	if err != nil {
		t.logger.Warn("payment expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired stale payment requests", "count", n)
	}
}
