package realtime

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/arcadia-labs/arcadia/internal/payments"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func paymentEvent(id, brand string, status payments.Status) *Event {
	return &Event{
		Type:      EventPaymentStatus,
		Timestamp: time.Now(),
		Payment: &payments.PaymentRequest{
			PaymentID: id,
			BrandID:   brand,
			Amount:    big.NewInt(1),
			Status:    status,
		},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, paymentEvent("pay_1", "brand_1", payments.StatusCompleted)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_PaymentIDFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{PaymentIDs: []string{"pay_1"}}}

	if !h.shouldSend(client, paymentEvent("pay_1", "brand_1", payments.StatusCompleted)) {
		t.Error("Should receive events for the subscribed payment id")
	}
	if h.shouldSend(client, paymentEvent("pay_2", "brand_1", payments.StatusCompleted)) {
		t.Error("Should NOT receive events for other payment ids")
	}
}

func TestShouldSend_BrandFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{BrandIDs: []string{"brand_1"}}}

	if !h.shouldSend(client, paymentEvent("pay_1", "brand_1", payments.StatusProcessing)) {
		t.Error("Should receive events for the subscribed brand")
	}
	if h.shouldSend(client, paymentEvent("pay_2", "brand_2", payments.StatusProcessing)) {
		t.Error("Should NOT receive events for other brands")
	}
}

func TestShouldSend_StatusFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		PaymentIDs: []string{"pay_1"},
		Statuses:   []payments.Status{payments.StatusCompleted, payments.StatusFailed},
	}}

	if !h.shouldSend(client, paymentEvent("pay_1", "b", payments.StatusCompleted)) {
		t.Error("Should receive COMPLETED")
	}
	if h.shouldSend(client, paymentEvent("pay_1", "b", payments.StatusProcessing)) {
		t.Error("Should NOT receive PROCESSING")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents: receives nothing.
	client := &Client{sub: Subscription{}}
	if h.shouldSend(client, paymentEvent("pay_1", "brand_1", payments.StatusCompleted)) {
		t.Error("Unsubscribed client should receive nothing")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.PaymentStatusChanged(&payments.PaymentRequest{
		PaymentID: "pay_1", BrandID: "brand_1",
		Amount: big.NewInt(1), Status: payments.StatusCompleted,
	})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{PaymentIDs: []string{"pay_1"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(paymentEvent("pay_1", "brand_1", payments.StatusCompleted))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{PaymentIDs: []string{"pay_mine"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Someone else's payment: filtered out.
	h.Broadcast(paymentEvent("pay_other", "brand_1", payments.StatusCompleted))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive another payment's event")
	default:
	}

	h.Broadcast(paymentEvent("pay_mine", "brand_1", payments.StatusCompleted))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive its payment's event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
