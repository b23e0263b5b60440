package payments

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/arcadia-labs/arcadia/internal/escrow"
	"github.com/arcadia-labs/arcadia/internal/idgen"
	"github.com/arcadia-labs/arcadia/internal/logging"
	"github.com/arcadia-labs/arcadia/internal/pagination"
	"github.com/arcadia-labs/arcadia/internal/security"
)

// DefaultExpiry is the checkout window for a new payment request.
const DefaultExpiry = 30 * time.Minute

// PriceSource quotes the current tier price in wei. The escrow ledger
// satisfies this directly; against a live deployment it is backed by a
// contract read.
type PriceSource interface {
	TierPrice(tier escrow.Tier) (*big.Int, error)
}

// ServiceConfig wires the request generator to its chain context.
type ServiceConfig struct {
	// Contract is the escrow contract address payments must be sent to.
	Contract string
	// Network is the human-readable chain name, e.g. "base-sepolia".
	Network string
	// ChainID for payment URI construction.
	ChainID int64
	// Currency of quoted amounts. Amounts themselves are wei.
	Currency string
	// Expiry overrides DefaultExpiry when positive.
	Expiry time.Duration
}

// Service is the client-facing surface: it mints payment requests and
// serves status reads. All writes to status go through the Reconciler.
type Service struct {
	store  Store
	prices PriceSource
	cfg    ServiceConfig
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceNow injects a clock for tests.
func WithServiceNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, prices PriceSource, cfg ServiceConfig, opts ...ServiceOption) *Service {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Currency == "" {
		cfg.Currency = "ETH"
	}
	s := &Service{store: store, prices: prices, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateParams is the input for a new payment request.
type CreateParams struct {
	Tier    string `json:"tier"`
	BrandID string `json:"brandId"`
	// CallbackURL optionally receives signed status notifications for
	// this request. It must be https and pass the SSRF checks.
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// CreateRequest validates params, quotes the current tier price and
// persists a PENDING record. No chain interaction happens here; the
// record exists so later verification has something to reconcile
// against.
func (s *Service) CreateRequest(ctx context.Context, params CreateParams) (*PaymentRequest, error) {
	if strings.TrimSpace(params.BrandID) == "" {
		return nil, fmt.Errorf("%w: brandId is required", ErrValidation)
	}
	tier, err := escrow.ParseTier(params.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if params.CallbackURL != "" {
		if !strings.HasPrefix(params.CallbackURL, "https://") {
			return nil, fmt.Errorf("%w: callbackUrl must be https", ErrValidation)
		}
		if err := security.ValidateEndpointURL(params.CallbackURL); err != nil {
			return nil, fmt.Errorf("%w: callbackUrl: %v", ErrValidation, err)
		}
	}

	amount, err := s.prices.TierPrice(tier)
	if err != nil {
		return nil, fmt.Errorf("quote tier price: %w", err)
	}

	now := s.now()
	req := &PaymentRequest{
		PaymentID:   idgen.WithPrefix("pay_"),
		BrandID:     params.BrandID,
		Tier:        tier,
		Amount:      amount,
		Currency:    s.cfg.Currency,
		Recipient:   s.cfg.Contract,
		Network:     s.cfg.Network,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Expiry),
		CallbackURL: params.CallbackURL,
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist payment request: %w", err)
	}

	logging.L(ctx).Info("payment request created",
		"payment_id", req.PaymentID,
		"tier", tier.String(),
		"amount_wei", amount.String(),
		"expires_at", req.ExpiresAt)

	return req, nil
}

// PaymentURI builds the EIP-681 style URI a wallet uses to pay the
// request. The same payload is rendered as the QR code client-side.
func (s *Service) PaymentURI(req *PaymentRequest) string {
	return fmt.Sprintf("ethereum:%s@%d?value=%s&paymentId=%s",
		s.cfg.Contract, s.cfg.ChainID, req.Amount.String(), req.PaymentID)
}

// GetStatus returns the current snapshot for a payment id. It is a
// pure read: it never touches the chain and never writes. A record
// past its expiry that is still PENDING or PROCESSING in the store is
// reported as EXPIRED; the expiry sweeper persists that transition
// shortly after, and the reconciler independently refuses late
// completions, so the reported status can only run ahead of the store,
// never contradict it.
func (s *Service) GetStatus(ctx context.Context, paymentID string) (*PaymentRequest, error) {
	req, err := s.store.GetRequest(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Terminal() && req.Expired(s.now()) {
		req.Status = StatusExpired
		req.FailureReason = "payment window expired"
	}
	return req, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListByBrand returns one page of a brand's payment requests, newest
// first. cursor is the opaque token from a previous page; the returned
// token is empty on the last page. Like GetStatus, records past their
// expiry are reported as EXPIRED without being written.
func (s *Service) ListByBrand(ctx context.Context, brandID string, limit int, cursor string) ([]*PaymentRequest, string, error) {
	if strings.TrimSpace(brandID) == "" {
		return nil, "", fmt.Errorf("%w: brandId is required", ErrValidation)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	items, err := s.store.ListByBrand(ctx, brandID, limit+1, cur)
	if err != nil {
		return nil, "", fmt.Errorf("list payment requests: %w", err)
	}

	items, next, _ := pagination.ComputePage(items, limit, func(r *PaymentRequest) (time.Time, string) {
		return r.CreatedAt, r.PaymentID
	})

	now := s.now()
	for _, req := range items {
		if !req.Status.Terminal() && req.Expired(now) {
			req.Status = StatusExpired
			req.FailureReason = "payment window expired"
		}
	}
	return items, next, nil
}
