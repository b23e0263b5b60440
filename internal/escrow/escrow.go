// Package escrow implements the Arcadia payment escrow ledger.
//
// The ledger mirrors the deployed ArcadiaEscrow contract: it accepts
// tiered payments keyed by an off-chain payment id, forwards funds to
// the treasury on receipt, and honours a bounded refund window. All
// operations fail closed with typed errors, matching the contract's
// revert conditions one for one. The simulated chain backend
// (internal/chain) executes transactions against this ledger, and the
// ledger tests are the authoritative statement of the on-chain
// semantics.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyPaymentID     = errors.New("escrow: payment id must not be empty")
	ErrDuplicatePaymentID = errors.New("escrow: payment id already used")
	ErrPaymentNotFound    = errors.New("escrow: payment not found")
	ErrAmountMismatch     = errors.New("escrow: value does not equal tier price")
	ErrUnknownTier        = errors.New("escrow: unknown tier")
	ErrPaused             = errors.New("escrow: contract is paused")
	ErrNotOwner           = errors.New("escrow: caller is not the owner")
	ErrNotPayer           = errors.New("escrow: caller is not the original payer")
	ErrRefundWindowClosed = errors.New("escrow: refund window has closed")
	ErrNotRefundable      = errors.New("escrow: payment is not refundable")
	ErrInsufficientFunds  = errors.New("escrow: contract balance cannot cover refund")
	ErrInvalidAddress     = errors.New("escrow: invalid address")
	ErrInvalidPrice       = errors.New("escrow: tier price must be positive")
)

// Tier is a pricing bucket. Wire encoding matches the contract's uint8.
type Tier uint8

const (
	TierBasic Tier = iota
	TierPremium
	TierEnterprise
)

var tierNames = map[Tier]string{
	TierBasic:      "basic",
	TierPremium:    "premium",
	TierEnterprise: "enterprise",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ParseTier converts a tier name ("basic", "premium", "enterprise").
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Payment is one ledger entry. Created atomically with fund receipt;
// mutated only by a refund inside the refund window.
type Payment struct {
	PaymentID string    `json:"paymentId"`
	Payer     string    `json:"payer"`
	Amount    *big.Int  `json:"amount"`
	Tier      Tier      `json:"tier"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventType identifies a contract event.
type EventType string

const (
	EventPaymentReceived   EventType = "PaymentReceived"
	EventPaymentRefunded   EventType = "PaymentRefunded"
	EventTierPriceUpdated  EventType = "TierPriceUpdated"
	EventTreasuryUpdated   EventType = "TreasuryUpdated"
	EventRefundWindowSet   EventType = "RefundWindowUpdated"
	EventPausedSet         EventType = "PausedSet"
	EventEmergencyWithdraw EventType = "EmergencyWithdrawal"
	EventContractFunded    EventType = "ContractFunded"
)

// Event is an emitted contract event.
type Event struct {
	Type      EventType `json:"type"`
	PaymentID string    `json:"paymentId,omitempty"`
	Payer     string    `json:"payer,omitempty"`
	Amount    *big.Int  `json:"amount,omitempty"`
	Tier      Tier      `json:"tier,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config for a new ledger instance.
type Config struct {
	Owner        string
	Treasury     string
	TierPrices   map[Tier]*big.Int // wei, smallest unit
	RefundWindow time.Duration
}

// DefaultRefundWindow bounds refunds to 24h after payment.
const DefaultRefundWindow = 24 * time.Hour

// Option configures the ledger.
type Option func(*Ledger)

// WithNow injects a clock, used by tests to move time.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger holds the full contract state. All methods are safe for
// concurrent use; each call is atomic with respect to the others.
type Ledger struct {
	mu sync.Mutex

	owner        string
	treasury     string
	prices       map[Tier]*big.Int
	refundWindow time.Duration
	paused       bool

	payments    map[string]*Payment
	payerCounts map[string]int
	total       int

	// balance is the contract's own balance. Payments forward their
	// full value to the treasury inside ProcessPayment, so refunds can
	// only be honoured if the treasury has pre-funded the contract via
	// Fund. treasuryBalance tracks forwarded funds for accounting.
	balance         *big.Int
	treasuryBalance *big.Int

	events []Event
	now    func() time.Time
}

// New creates a ledger with the given owner, treasury and tier prices.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidAddress)
	}
	if cfg.Treasury == "" {
		return nil, fmt.Errorf("%w: treasury required", ErrInvalidAddress)
	}
	if len(cfg.TierPrices) == 0 {
		return nil, fmt.Errorf("%w: at least one tier price required", ErrInvalidPrice)
	}

	prices := make(map[Tier]*big.Int, len(cfg.TierPrices))
	for tier, price := range cfg.TierPrices {
		if !tier.Valid() {
			return nil, fmt.Errorf("%w: %v", ErrUnknownTier, tier)
		}
		if price == nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, tier)
		}
		prices[tier] = new(big.Int).Set(price)
	}

	window := cfg.RefundWindow
	if window <= 0 {
		window = DefaultRefundWindow
	}

	l := &Ledger{
		owner:           strings.ToLower(cfg.Owner),
		treasury:        strings.ToLower(cfg.Treasury),
		prices:          prices,
		refundWindow:    window,
		payments:        make(map[string]*Payment),
		payerCounts:     make(map[string]int),
		balance:         new(big.Int),
		treasuryBalance: new(big.Int),
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// ProcessPayment records a tiered payment. The attached value must
// exactly equal the current price for the tier; any other value fails.
// The full value is forwarded to the treasury before the call returns,
// so the contract retains no balance from payments.
func (l *Ledger) ProcessPayment(payer, paymentID string, tier Tier, value *big.Int) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return nil, ErrPaused
	}
	if strings.TrimSpace(paymentID) == "" {
		return nil, ErrEmptyPaymentID
	}
	if payer == "" {
		return nil, fmt.Errorf("%w: payer required", ErrInvalidAddress)
	}
	if _, exists := l.payments[paymentID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePaymentID, paymentID)
	}

	price, ok := l.prices[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTier, tier)
	}
	if value == nil || value.Cmp(price) != 0 {
		return nil, fmt.Errorf("%w: tier %s requires exactly %s", ErrAmountMismatch, tier, price)
	}

	now := l.now()
	payment := &Payment{
		PaymentID: paymentID,
		Payer:     strings.ToLower(payer),
		Amount:    new(big.Int).Set(value),
		Tier:      tier,
		Completed: true,
		CreatedAt: now,
	}

	l.payments[paymentID] = payment
	l.payerCounts[payment.Payer]++
	l.total++

	// Forward immediately to treasury; nothing stays in escrow.
	l.treasuryBalance.Add(l.treasuryBalance, value)

	l.emit(Event{
		Type:      EventPaymentReceived,
		PaymentID: paymentID,
		Payer:     payment.Payer,
		Amount:    new(big.Int).Set(value),
		Tier:      tier,
		Timestamp: now,
	})

	return clonePayment(payment), nil
}

// RequestRefund returns the recorded amount to the original payer.
// Only the payer may call it, only while the refund window is open,
// and only while the payment is still marked completed. The refund is
// paid from the contract's own balance: because payments forward to
// the treasury, the treasury must pre-fund the contract (Fund) for
// refunds to succeed.
func (l *Ledger) RequestRefund(caller, paymentID string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payment, ok := l.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if !strings.EqualFold(caller, payment.Payer) {
		return nil, ErrNotPayer
	}
	if !payment.Completed {
		return nil, ErrNotRefundable
	}

	now := l.now()
	if now.After(payment.CreatedAt.Add(l.refundWindow)) {
		return nil, fmt.Errorf("%w: window was %s from %s",
			ErrRefundWindowClosed, l.refundWindow, payment.CreatedAt.Format(time.RFC3339))
	}

	if l.balance.Cmp(payment.Amount) < 0 {
		return nil, fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientFunds, payment.Amount, l.balance)
	}

	payment.Completed = false
	l.balance.Sub(l.balance, payment.Amount)

	l.emit(Event{
		Type:      EventPaymentRefunded,
		PaymentID: paymentID,
		Payer:     payment.Payer,
		Amount:    new(big.Int).Set(payment.Amount),
		Tier:      payment.Tier,
		Timestamp: now,
	})

	return clonePayment(payment), nil
}

// Fund credits the contract's own balance. Operationally this is the
// treasury topping the contract up so refunds can be honoured.
func (l *Ledger) Fund(value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("%w: fund value must be positive", ErrInvalidPrice)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balance.Add(l.balance, value)
	l.emit(Event{
		Type:      EventContractFunded,
		Amount:    new(big.Int).Set(value),
		Timestamp: l.now(),
	})
	return nil
}

// -----------------------------------------------------------------------------
// Read accessors
// -----------------------------------------------------------------------------

// GetPayment returns the ledger entry for a payment id.
func (l *Ledger) GetPayment(paymentID string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payment, ok := l.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	return clonePayment(payment), nil
}

// TierPrice returns the current price for a tier in wei.
func (l *Ledger) TierPrice(tier Tier) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	price, ok := l.prices[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTier, tier)
	}
	return new(big.Int).Set(price), nil
}

// PaymentCount returns the total number of payments recorded.
func (l *Ledger) PaymentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// PayerPaymentCount returns the number of payments made by an address.
func (l *Ledger) PayerPaymentCount(payer string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payerCounts[strings.ToLower(payer)]
}

// Treasury returns the current treasury address.
func (l *Ledger) Treasury() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treasury
}

// Balance returns the contract's own balance (refund reserve).
func (l *Ledger) Balance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance)
}

// TreasuryBalance returns the total forwarded to the treasury.
func (l *Ledger) TreasuryBalance() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.treasuryBalance)
}

// Paused reports whether payment processing is suspended.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// RefundWindow returns the configured refund window.
func (l *Ledger) RefundWindow() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refundWindow
}

// Events returns a copy of all emitted events in order.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// emit appends an event. Caller must hold l.mu.
func (l *Ledger) emit(ev Event) {
	l.events = append(l.events, ev)
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	cp.Amount = new(big.Int).Set(p.Amount)
	return &cp
}
