package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arcadia-labs/arcadia/internal/generation"
	"github.com/arcadia-labs/arcadia/internal/logging"
	"github.com/arcadia-labs/arcadia/internal/metrics"
	"github.com/arcadia-labs/arcadia/internal/syncutil"
	"github.com/arcadia-labs/arcadia/internal/traces"
)

// nonTerminal is the set of states a completion or failure may claim
// from.
var nonTerminal = []Status{StatusPending, StatusProcessing}

// Notifier receives status change events for fan-out (websocket
// broadcast, outbound callbacks). Implementations must not block.
type Notifier interface {
	PaymentStatusChanged(req *PaymentRequest)
}

// Reconciler is the sole writer of payment status. Every transition
// funnels through its per-payment lock and the store's compare-and-set,
// so concurrent webhook deliveries and polls for the same payment
// serialize instead of racing.
type Reconciler struct {
	store    Store
	verifier *Verifier
	trigger  generation.Trigger
	queue    *generation.RetryQueue
	notifier Notifier
	now      func() time.Time

	// per-payment lock, sharded so memory stays bounded
	locks syncutil.ShardedMutex
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerNow injects a clock for tests.
func WithReconcilerNow(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// WithRetryQueue sets the redrive queue for failed generation triggers.
func WithRetryQueue(q *generation.RetryQueue) ReconcilerOption {
	return func(r *Reconciler) { r.queue = q }
}

// WithNotifier sets the status change fan-out.
func WithNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

func NewReconciler(store Store, verifier *Verifier, trigger generation.Trigger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		verifier: verifier,
		trigger:  trigger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) lock(paymentID string) func() {
	return r.locks.Lock(paymentID)
}

// MarkProcessing moves a PENDING payment to PROCESSING when a
// transaction has been submitted but is not yet final. Recording the
// claimed hash and the transition are best-effort; a payment already
// past PENDING is left alone.
func (r *Reconciler) MarkProcessing(ctx context.Context, paymentID, txRef string) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "payments.reconciler.MarkProcessing",
		traces.PaymentID(paymentID),
		traces.TxHash(txRef),
	)
	defer span.End()

	unlock := r.lock(paymentID)
	defer unlock()

	req, err := r.store.GetRequest(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, nil
	}
	if req.Expired(r.now()) {
		return r.expireLocked(ctx, paymentID)
	}

	if txRef != "" {
		if err := r.store.SetTransactionRef(ctx, paymentID, txRef); err != nil {
			return nil, err
		}
	}
	claimed, err := r.store.TransitionStatus(ctx, paymentID, []Status{StatusPending}, StatusProcessing, nil, "")
	if err != nil {
		return nil, err
	}
	if claimed {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusProcessing)).Inc()
		logging.L(ctx).Info("payment processing", "payment_id", paymentID, "tx", txRef)
	}
	return r.snapshotAndNotify(ctx, paymentID, claimed)
}

// Complete verifies the claimed transaction and, if valid, transitions
// the payment to COMPLETED and fires the downstream generation trigger
// exactly once. Repeat calls for an already COMPLETED payment are
// no-ops that return the current snapshot. An expired request is moved
// to EXPIRED and never completes, regardless of what the chain says.
func (r *Reconciler) Complete(ctx context.Context, paymentID, txHash string) (*PaymentRequest, error) {
	req, _, err := r.CompleteWithVerdict(ctx, paymentID, txHash)
	return req, err
}

// CompleteWithVerdict is Complete plus the verifier's verdict for the
// claimed hash. The verdict is nil whenever no fresh verification ran:
// repeat calls for an already COMPLETED payment, expiry, or a claim
// the verifier could not see.
func (r *Reconciler) CompleteWithVerdict(ctx context.Context, paymentID, txHash string) (*PaymentRequest, *Verdict, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, nil, fmt.Errorf("%w: transactionHash is required", ErrValidation)
	}

	ctx, span := traces.StartSpan(ctx, "payments.reconciler.Complete",
		traces.PaymentID(paymentID),
		traces.TxHash(txHash),
	)
	defer span.End()

	unlock := r.lock(paymentID)
	defer unlock()

	req, err := r.store.GetRequest(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case req.Status == StatusCompleted:
		return req, nil, nil
	case req.Status.Terminal():
		return req, nil, fmt.Errorf("%w: %s is %s", ErrIllegalTransition, paymentID, req.Status)
	}

	// Expiry wins over a late completion signal.
	if req.Expired(r.now()) {
		snap, eerr := r.expireLocked(ctx, paymentID)
		if eerr != nil {
			return nil, nil, eerr
		}
		return snap, nil, fmt.Errorf("%w: completion signal after expiry", ErrExpired)
	}

	verdict, err := r.verifier.Verify(ctx, req, txHash)
	switch {
	case errors.Is(err, ErrTxNotVisible):
		metrics.PaymentVerificationsTotal.WithLabelValues("not_visible").Inc()
		// Transient: record the claimed hash and keep the payment in
		// flight. The ref stays replaceable until a hash verifies, so
		// a bogus or dropped-and-replaced claim never blocks the real
		// transaction from completing later.
		if serr := r.store.SetTransactionRef(ctx, paymentID, txHash); serr != nil {
			return nil, nil, serr
		}
		if _, terr := r.store.TransitionStatus(ctx, paymentID, []Status{StatusPending}, StatusProcessing, nil, ""); terr != nil {
			return nil, nil, terr
		}
		snap, serr := r.store.GetRequest(ctx, paymentID)
		if serr != nil {
			return nil, nil, serr
		}
		return snap, nil, err
	case errors.Is(err, ErrVerifyMismatch):
		metrics.PaymentVerificationsTotal.WithLabelValues("mismatch").Inc()
		logging.L(ctx).Warn("payment verification mismatch",
			"payment_id", paymentID, "tx", txHash, "error", err)
		claimed, ferr := r.store.TransitionStatus(ctx, paymentID, nonTerminal, StatusFailed, nil,
			"transaction did not match the payment request")
		if ferr != nil {
			return nil, nil, ferr
		}
		if claimed {
			metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		}
		snap, serr := r.snapshotAndNotify(ctx, paymentID, claimed)
		if serr != nil {
			return nil, nil, serr
		}
		return snap, nil, err
	case err != nil:
		return nil, nil, err
	}

	// Only a verified hash is worth pinning.
	if err := r.store.SetTransactionRef(ctx, paymentID, txHash); err != nil {
		return nil, nil, err
	}

	completedAt := r.now()
	claimed, err := r.store.TransitionStatus(ctx, paymentID, nonTerminal, StatusCompleted, &completedAt, "")
	if err != nil {
		return nil, nil, err
	}

	if claimed {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
		metrics.PaymentVerificationsTotal.WithLabelValues("valid").Inc()
		metrics.PaymentCompletionDuration.Observe(completedAt.Sub(req.CreatedAt).Seconds())
		logging.L(ctx).Info("payment completed",
			"payment_id", paymentID,
			"tx", txHash,
			"block", verdict.BlockNumber,
			"amount_wei", verdict.Amount.String())

		// Claiming the transition is what makes the trigger fire at
		// most once. A trigger failure never rolls the status back; it
		// goes to the redrive queue instead.
		r.fireGeneration(ctx, req)
	}

	snap, err := r.snapshotAndNotify(ctx, paymentID, claimed)
	if err != nil {
		return nil, nil, err
	}
	return snap, verdict, nil
}

func (r *Reconciler) fireGeneration(ctx context.Context, req *PaymentRequest) {
	job := generation.Job{
		PaymentID:       req.PaymentID,
		BrandID:         req.BrandID,
		PaymentVerified: true,
	}

	genID, err := r.trigger.Trigger(ctx, job)
	if err != nil {
		metrics.GenerationTriggersTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Error("generation trigger failed, queued for retry",
			"payment_id", req.PaymentID, "error", err)
		if r.queue != nil {
			r.queue.Enqueue(job)
			metrics.GenerationRetryQueueDepth.Set(float64(r.queue.Len()))
		}
		return
	}

	metrics.GenerationTriggersTotal.WithLabelValues("ok").Inc()
	if err := r.store.SetGenerationID(ctx, req.PaymentID, genID); err != nil {
		logging.L(ctx).Error("failed to link generation id",
			"payment_id", req.PaymentID, "generation_id", genID, "error", err)
	}
}

// Fail moves a non-terminal payment to FAILED with a short reason.
// Used for explicit failure signals from the chain layer.
func (r *Reconciler) Fail(ctx context.Context, paymentID, reason string) (*PaymentRequest, error) {
	unlock := r.lock(paymentID)
	defer unlock()

	if reason == "" {
		reason = "payment failed"
	}
	claimed, err := r.store.TransitionStatus(ctx, paymentID, nonTerminal, StatusFailed, nil, reason)
	if err != nil {
		return nil, err
	}
	if claimed {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		logging.L(ctx).Warn("payment failed", "payment_id", paymentID, "reason", reason)
	}
	return r.snapshotAndNotify(ctx, paymentID, claimed)
}

// Expire moves a non-terminal payment past its expiry to EXPIRED.
func (r *Reconciler) Expire(ctx context.Context, paymentID string) (*PaymentRequest, error) {
	unlock := r.lock(paymentID)
	defer unlock()
	return r.expireLocked(ctx, paymentID)
}

func (r *Reconciler) expireLocked(ctx context.Context, paymentID string) (*PaymentRequest, error) {
	claimed, err := r.store.TransitionStatus(ctx, paymentID, nonTerminal, StatusExpired, nil,
		"payment window expired")
	if err != nil {
		return nil, err
	}
	if claimed {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
		logging.L(ctx).Info("payment expired", "payment_id", paymentID)
	}
	return r.snapshotAndNotify(ctx, paymentID, claimed)
}

// Refund mirrors a successful on-chain refund: COMPLETED -> REFUNDED.
// The caller is responsible for having executed or verified the chain
// refund first; this only records the off-chain consequence.
func (r *Reconciler) Refund(ctx context.Context, paymentID string) (*PaymentRequest, error) {
	unlock := r.lock(paymentID)
	defer unlock()

	req, err := r.store.GetRequest(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusCompleted {
		return req, fmt.Errorf("%w: cannot refund a %s payment", ErrIllegalTransition, req.Status)
	}

	claimed, err := r.store.TransitionStatus(ctx, paymentID, []Status{StatusCompleted}, StatusRefunded, nil, "")
	if err != nil {
		return nil, err
	}
	if claimed {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
		logging.L(ctx).Info("payment refunded", "payment_id", paymentID)
	}
	return r.snapshotAndNotify(ctx, paymentID, claimed)
}

// HandleWebhook applies a signature-verified webhook payload. The
// caller must have verified the signature already; this routes the
// claimed status to the corresponding transition. A COMPLETED claim is
// never trusted: it goes through full on-chain verification.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload *WebhookPayload) (*PaymentRequest, error) {
	switch payload.Status {
	case StatusProcessing:
		return r.MarkProcessing(ctx, payload.PaymentID, payload.TransactionHash)
	case StatusCompleted:
		return r.Complete(ctx, payload.PaymentID, payload.TransactionHash)
	case StatusFailed:
		return r.Fail(ctx, payload.PaymentID, "payment reported failed by provider")
	case StatusRefunded:
		return r.Refund(ctx, payload.PaymentID)
	default:
		return nil, fmt.Errorf("%w: unsupported webhook status %q", ErrValidation, payload.Status)
	}
}

// ExpireDue sweeps PENDING/PROCESSING records past their expiry.
// Returns how many records were expired.
func (r *Reconciler) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := r.store.ListExpirable(ctx, r.now(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range due {
		if _, err := r.Expire(ctx, req.PaymentID); err != nil {
			logging.L(ctx).Warn("failed to expire payment",
				"payment_id", req.PaymentID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (r *Reconciler) snapshotAndNotify(ctx context.Context, paymentID string, changed bool) (*PaymentRequest, error) {
	req, err := r.store.GetRequest(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if changed && r.notifier != nil {
		r.notifier.PaymentStatusChanged(req)
	}
	return req, nil
}
