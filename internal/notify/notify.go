// Package notify delivers signed payment status callbacks to brand
// endpoints. Brands register a callback URL and secret; every
// reconciler transition fans out as a signed event so the brand's
// backend does not have to poll.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arcadia-labs/arcadia/internal/payments"
)

var ErrSubscriptionNotFound = errors.New("notify: subscription not found")

// EventType identifies a callback event.
type EventType string

const (
	EventPaymentProcessing EventType = "payment.processing"
	EventPaymentCompleted  EventType = "payment.completed"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentExpired    EventType = "payment.expired"
	EventPaymentRefunded   EventType = "payment.refunded"
)

// EventForStatus maps a payment status to its callback event type.
// PENDING has no event; a request's creation is its own response.
func EventForStatus(s payments.Status) (EventType, bool) {
	switch s {
	case payments.StatusProcessing:
		return EventPaymentProcessing, true
	case payments.StatusCompleted:
		return EventPaymentCompleted, true
	case payments.StatusFailed:
		return EventPaymentFailed, true
	case payments.StatusExpired:
		return EventPaymentExpired, true
	case payments.StatusRefunded:
		return EventPaymentRefunded, true
	}
	return "", false
}

// Event is the callback payload.
type Event struct {
	ID        string                   `json:"id"`
	Type      EventType                `json:"type"`
	Timestamp time.Time                `json:"timestamp"`
	Payment   *payments.PaymentRequest `json:"payment"`
}

// Subscription is a brand's registered callback endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	BrandID     string      `json:"brandId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"`
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Wants reports whether the subscription covers an event type. An
// empty event list means all events.
func (s *Subscription) Wants(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists callback subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByBrand(ctx context.Context, brandID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return fmt.Errorf("notify: duplicate subscription id %s", sub.ID)
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetByBrand(_ context.Context, brandID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.BrandID == brandID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
