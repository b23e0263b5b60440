package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arcadia-labs/arcadia/internal/circuitbreaker"
	"github.com/arcadia-labs/arcadia/internal/idgen"
	"github.com/arcadia-labs/arcadia/internal/metrics"
	"github.com/arcadia-labs/arcadia/internal/payments"
	"github.com/arcadia-labs/arcadia/internal/retry"
)

// Dispatcher fans payment status changes out to brand callbacks. It
// satisfies payments.Notifier, so the reconciler can hand it every
// transition without blocking: deliveries run in their own goroutines.
// A per-subscription circuit breaker stops hammering endpoints that
// keep failing.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time

	// callbackSecret signs deliveries to a request's own callbackUrl,
	// which has no registered subscription secret. Empty disables
	// per-request callbacks.
	callbackSecret string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherNow injects a clock for tests.
func WithDispatcherNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithBreaker overrides the delivery circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) DispatcherOption {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithCallbackSecret enables deliveries to a payment request's own
// callbackUrl, signed with the given shared secret.
func WithCallbackSecret(secret string) DispatcherOption {
	return func(d *Dispatcher) { d.callbackSecret = secret }
}

func NewDispatcher(store Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PaymentStatusChanged implements payments.Notifier.
func (d *Dispatcher) PaymentStatusChanged(req *payments.PaymentRequest) {
	eventType, ok := EventForStatus(req.Status)
	if !ok {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: d.now(),
		Payment:   req,
	}

	// Detach from the request context; the HTTP response must not wait
	// for callback delivery.
	go d.dispatch(context.Background(), event)
}

func (d *Dispatcher) dispatch(ctx context.Context, event *Event) {
	subs, err := d.store.GetByBrand(ctx, event.Payment.BrandID)
	if err != nil {
		d.logger.Warn("failed to load callback subscriptions",
			"brand_id", event.Payment.BrandID, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		d.send(ctx, sub, event, true)
	}

	// A request-level callback target behaves like a one-off
	// subscription to all events, signed with the shared secret. The
	// URL passed the SSRF checks at request creation.
	if url := event.Payment.CallbackURL; url != "" && d.callbackSecret != "" {
		d.send(ctx, &Subscription{
			ID:     "req_" + event.Payment.PaymentID,
			URL:    url,
			Secret: d.callbackSecret,
			Active: true,
		}, event, false)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, persist bool) {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		d.logger.Warn("callback circuit open, skipping delivery",
			"subscription_id", sub.ID,
			"event", event.Type,
			"payment_id", event.Payment.PaymentID)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		if persist {
			d.recordError(ctx, sub, "failed to marshal event")
		}
		return
	}

	signer := payments.NewSigner(sub.Secret, payments.WithSignerNow(d.now))

	err = retry.Do(ctx, 3, time.Second, func() error {
		ts := d.now().Unix()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Arcadia-Event", string(event.Type))
		req.Header.Set(payments.TimestampHeader, fmt.Sprintf("%d", ts))
		req.Header.Set(payments.SignatureHeader, signer.Sign(ts, payload))

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	})

	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		if persist {
			d.recordError(ctx, sub, err.Error())
		}
		d.logger.Warn("callback delivery failed",
			"subscription_id", sub.ID,
			"event", event.Type,
			"payment_id", event.Payment.PaymentID,
			"error", err)
		return
	}

	d.breaker.RecordSuccess(sub.ID)
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	if persist {
		d.recordSuccess(ctx, sub)
	}
	d.logger.Debug("callback delivered",
		"subscription_id", sub.ID,
		"event", event.Type,
		"payment_id", event.Payment.PaymentID)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery error", "subscription_id", sub.ID, "error", err)
	}
}
