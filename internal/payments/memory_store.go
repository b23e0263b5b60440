package payments

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/arcadia-labs/arcadia/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	reqs map[string]*PaymentRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*PaymentRequest)}
}

func (s *MemoryStore) CreateRequest(_ context.Context, req *PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reqs[req.PaymentID]; exists {
		return fmt.Errorf("payments: duplicate payment id %s", req.PaymentID)
	}
	s.reqs[req.PaymentID] = cloneRequest(req)
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, paymentID string) (*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.reqs[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) SetTransactionRef(_ context.Context, paymentID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reqs[paymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	if req.Status.Terminal() && req.TransactionRef != "" && req.TransactionRef != txRef {
		return fmt.Errorf("%w: transaction reference is frozen", ErrIllegalTransition)
	}
	req.TransactionRef = txRef
	return nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, paymentID string, from []Status, to Status, completedAt *time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reqs[paymentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}

	eligible := false
	for _, f := range from {
		if req.Status == f {
			eligible = true
			break
		}
	}
	if !eligible {
		return false, nil
	}
	if !CanTransition(req.Status, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, req.Status, to)
	}

	req.Status = to
	if completedAt != nil {
		t := *completedAt
		req.CompletedAt = &t
	}
	if reason != "" {
		req.FailureReason = reason
	}
	return true, nil
}

func (s *MemoryStore) SetGenerationID(_ context.Context, paymentID, generationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reqs[paymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, paymentID)
	}
	req.GenerationID = generationID
	return nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentRequest
	for _, req := range s.reqs {
		if !req.Status.Terminal() && now.After(req.ExpiresAt) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByBrand(_ context.Context, brandID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentRequest
	for _, req := range s.reqs {
		if req.BrandID != brandID {
			continue
		}
		if cursor != nil && !beforeCursor(req, cursor) {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PaymentID > out[j].PaymentID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// beforeCursor reports whether req sorts strictly after the cursor
// position in (created_at DESC, payment_id DESC) order.
func beforeCursor(req *PaymentRequest, c *pagination.Cursor) bool {
	if req.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return req.CreatedAt.Equal(c.CreatedAt) && req.PaymentID < c.ID
}

func cloneRequest(req *PaymentRequest) *PaymentRequest {
	cp := *req
	if req.Amount != nil {
		cp.Amount = new(big.Int).Set(req.Amount)
	}
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
