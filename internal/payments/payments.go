// Package payments implements the off-chain payment lifecycle: intent
// creation, on-chain verification, webhook reconciliation and status
// reads. The escrow contract is the source of truth for whether a
// payment happened; this package projects that truth into a
// PaymentRequest record and drives the downstream generation trigger
// exactly once per completed payment.
package payments

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/arcadia-labs/arcadia/internal/escrow"
	"github.com/arcadia-labs/arcadia/internal/pagination"
)

var (
	ErrNotFound          = errors.New("payments: payment request not found")
	ErrValidation        = errors.New("payments: invalid request")
	ErrIllegalTransition = errors.New("payments: illegal status transition")
	ErrExpired           = errors.New("payments: payment request expired")
	ErrTxNotVisible      = errors.New("payments: transaction not yet visible on chain")
	ErrVerifyMismatch    = errors.New("payments: transaction does not match payment request")
	ErrBadSignature      = errors.New("payments: webhook signature invalid")
	ErrRefundWindow      = errors.New("payments: refund window closed")
)

// Status is the off-chain lifecycle state of a payment request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
	StatusRefunded   Status = "REFUNDED"
)

// Terminal reports whether no further transition is allowed from s,
// with the single exception that COMPLETED may still move to REFUNDED.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// transitions is the full legal transition graph. Everything absent is
// illegal and must be rejected, not coerced.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted:  {StatusRefunded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentRequest is the off-chain intent record. It is created before
// any on-chain action, and its status field is written only by the
// reconciler.
type PaymentRequest struct {
	PaymentID string      `json:"paymentId"`
	BrandID   string      `json:"brandId"`
	Tier      escrow.Tier `json:"tier"`

	// Amount is the exact price in wei quoted at creation time. The
	// on-chain call must attach exactly this value or it reverts.
	Amount    *big.Int `json:"amount"`
	Currency  string   `json:"currency"`
	Recipient string   `json:"recipient"`
	Network   string   `json:"network"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// CallbackURL, when set at creation, receives signed status
	// callbacks for this request in addition to any brand
	// subscriptions.
	CallbackURL string `json:"callbackUrl,omitempty"`

	// TransactionRef is set once a claimed transaction hash has been
	// submitted for verification.
	TransactionRef string `json:"transactionReference,omitempty"`

	// GenerationID links the completed payment to the downstream
	// generation job it triggered.
	GenerationID string `json:"generationId,omitempty"`

	// FailureReason is a short human-readable explanation set on
	// FAILED or EXPIRED. Raw chain errors are never stored here.
	FailureReason string `json:"failureReason,omitempty"`
}

// Expired reports whether the request's expiry has passed at t.
func (p *PaymentRequest) Expired(t time.Time) bool {
	return t.After(p.ExpiresAt)
}

// Store persists payment requests. TransitionStatus is the linchpin:
// it must be an atomic compare-and-set so that concurrent reconcile
// attempts for the same payment cannot both claim a transition.
type Store interface {
	// CreateRequest persists a new PENDING record.
	CreateRequest(ctx context.Context, req *PaymentRequest) error

	// GetRequest returns the record for an id, or ErrNotFound.
	GetRequest(ctx context.Context, paymentID string) (*PaymentRequest, error)

	// SetTransactionRef records the claimed transaction hash. While
	// the record is non-terminal the hash may be replaced, so a stale
	// or mistyped claim never blocks the real transaction. Once the
	// record is terminal the ref is frozen with the outcome.
	SetTransactionRef(ctx context.Context, paymentID, txRef string) error

	// TransitionStatus moves the record to status `to` only if its
	// current status is one of `from`. It returns true when this call
	// performed the transition, false when the record was not in an
	// eligible state. completedAt and reason are written alongside the
	// status when non-zero.
	TransitionStatus(ctx context.Context, paymentID string, from []Status, to Status, completedAt *time.Time, reason string) (bool, error)

	// SetGenerationID links a triggered generation job to the payment.
	SetGenerationID(ctx context.Context, paymentID, generationID string) error

	// ListExpirable returns PENDING or PROCESSING records whose expiry
	// is before now, up to limit.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*PaymentRequest, error)

	// ListByBrand returns a brand's records ordered by creation time
	// descending, starting after cursor when non-nil, up to limit.
	ListByBrand(ctx context.Context, brandID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, error)
}
