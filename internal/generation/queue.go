package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RetryQueue holds generation jobs whose trigger failed after the
// payment already completed. Payment status is never rolled back for a
// trigger failure, so failed jobs land here and are redriven until the
// downstream service accepts them. Jobs are keyed by payment id; a
// re-enqueue of the same payment is a no-op.
type RetryQueue struct {
	trigger   Trigger
	onSuccess func(ctx context.Context, paymentID, generationID string)
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]Job

	stop    chan struct{}
	running atomic.Bool
}

func NewRetryQueue(trigger Trigger, onSuccess func(ctx context.Context, paymentID, generationID string), logger *slog.Logger) *RetryQueue {
	return &RetryQueue{
		trigger:   trigger,
		onSuccess: onSuccess,
		interval:  30 * time.Second,
		logger:    logger,
		jobs:      make(map[string]Job),
		stop:      make(chan struct{}),
	}
}

// Enqueue records a failed job for redelivery.
func (q *RetryQueue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.PaymentID]; exists {
		return
	}
	q.jobs[job.PaymentID] = job
	q.logger.Warn("generation trigger queued for retry",
		"payment_id", job.PaymentID, "queued", len(q.jobs))
}

// Len returns the number of jobs waiting for redelivery.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Running reports whether the redrive loop is active.
func (q *RetryQueue) Running() bool {
	return q.running.Load()
}

// Start begins the redrive loop. Call in a goroutine.
func (q *RetryQueue) Start(ctx context.Context) {
	q.running.Store(true)
	defer q.running.Store(false)

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			q.safeDrain(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (q *RetryQueue) Stop() {
	select {
	case q.stop <- struct{}{}:
	default:
	}
}

func (q *RetryQueue) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in generation retry queue", "panic", fmt.Sprint(r))
		}
	}()
	q.Drain(ctx)
}

// Drain attempts every queued job once, removing the ones that
// succeed.
func (q *RetryQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	pending := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		pending = append(pending, job)
	}
	q.mu.Unlock()

	for _, job := range pending {
		genID, err := q.trigger.Trigger(ctx, job)
		if err != nil {
			q.logger.Warn("generation trigger retry failed",
				"payment_id", job.PaymentID, "error", err)
			continue
		}

		q.mu.Lock()
		delete(q.jobs, job.PaymentID)
		q.mu.Unlock()

		if q.onSuccess != nil {
			q.onSuccess(ctx, job.PaymentID, genID)
		}
		q.logger.Info("generation trigger delivered on retry",
			"payment_id", job.PaymentID, "generation_id", genID)
	}
}
