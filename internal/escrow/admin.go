package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Administrative operations. All are gated to the single owner and
// take effect for subsequent calls only; already-recorded payments are
// never rewritten. None of these are reachable from the payment path.

// UpdateTierPrice sets a new price for a tier.
func (l *Ledger) UpdateTierPrice(caller string, tier Tier, price *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: %v", ErrUnknownTier, tier)
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, tier)
	}

	l.prices[tier] = new(big.Int).Set(price)
	l.emit(Event{
		Type:      EventTierPriceUpdated,
		Tier:      tier,
		Amount:    new(big.Int).Set(price),
		Timestamp: l.now(),
	})
	return nil
}

// UpdateTreasury changes where subsequent payments are forwarded.
func (l *Ledger) UpdateTreasury(caller, treasury string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if strings.TrimSpace(treasury) == "" {
		return fmt.Errorf("%w: treasury required", ErrInvalidAddress)
	}

	l.treasury = strings.ToLower(treasury)
	l.emit(Event{
		Type:      EventTreasuryUpdated,
		Payer:     l.treasury,
		Timestamp: l.now(),
	})
	return nil
}

// UpdateRefundWindow changes the refund window for subsequent refund
// checks. Payments already recorded are measured against the new
// window at refund time, matching the contract.
func (l *Ledger) UpdateRefundWindow(caller string, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if window <= 0 {
		return fmt.Errorf("%w: refund window must be positive", ErrInvalidPrice)
	}

	l.refundWindow = window
	l.emit(Event{Type: EventRefundWindowSet, Timestamp: l.now()})
	return nil
}

// Pause suspends ProcessPayment. Refunds and reads stay available.
func (l *Ledger) Pause(caller string) error {
	return l.setPaused(caller, true)
}

// Unpause resumes ProcessPayment.
func (l *Ledger) Unpause(caller string) error {
	return l.setPaused(caller, false)
}

func (l *Ledger) setPaused(caller string, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	l.paused = paused
	l.emit(Event{Type: EventPausedSet, Timestamp: l.now()})
	return nil
}

// EmergencyWithdraw sweeps the full contract balance to the owner.
// Stuck-fund recovery only; it empties the refund reserve.
func (l *Ledger) EmergencyWithdraw(caller string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.requireOwner(caller); err != nil {
		return nil, err
	}

	swept := new(big.Int).Set(l.balance)
	l.balance.SetInt64(0)
	l.emit(Event{
		Type:      EventEmergencyWithdraw,
		Amount:    new(big.Int).Set(swept),
		Timestamp: l.now(),
	})
	return swept, nil
}

// requireOwner checks the caller. Caller must hold l.mu.
func (l *Ledger) requireOwner(caller string) error {
	if !strings.EqualFold(caller, l.owner) {
		return ErrNotOwner
	}
	return nil
}
