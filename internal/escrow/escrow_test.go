package escrow

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

const (
	owner    = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	treasury = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	payer    = "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

// fakeClock lets tests move contract time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func wei(v int64) *big.Int { return big.NewInt(v) }

func testLedger(t *testing.T, clock *fakeClock) *Ledger {
	t.Helper()
	l, err := New(Config{
		Owner:    owner,
		Treasury: treasury,
		TierPrices: map[Tier]*big.Int{
			TierBasic:      wei(5_000_000_000_000_000),  // 5e15
			TierPremium:    wei(15_000_000_000_000_000), // 1.5e16
			TierEnterprise: wei(50_000_000_000_000_000), // 5e16
		},
		RefundWindow: 24 * time.Hour,
	}, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestProcessPayment(t *testing.T) {
	l := testLedger(t, newFakeClock())

	p, err := l.ProcessPayment(payer, "pay_1", TierBasic, wei(5_000_000_000_000_000))
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if !p.Completed {
		t.Error("payment should be completed")
	}
	if p.Tier != TierBasic {
		t.Errorf("tier = %v, want basic", p.Tier)
	}

	// Full value forwarded to treasury, nothing retained.
	if got := l.Balance(); got.Sign() != 0 {
		t.Errorf("contract balance = %s, want 0", got)
	}
	if got := l.TreasuryBalance(); got.Cmp(wei(5_000_000_000_000_000)) != 0 {
		t.Errorf("treasury balance = %s", got)
	}

	if l.PaymentCount() != 1 {
		t.Errorf("payment count = %d, want 1", l.PaymentCount())
	}
	if l.PayerPaymentCount(payer) != 1 {
		t.Errorf("payer count = %d, want 1", l.PayerPaymentCount(payer))
	}

	events := l.Events()
	if len(events) != 1 || events[0].Type != EventPaymentReceived {
		t.Fatalf("events = %+v, want one PaymentReceived", events)
	}
}

func TestProcessPaymentDuplicateID(t *testing.T) {
	l := testLedger(t, newFakeClock())

	if _, err := l.ProcessPayment(payer, "pay_dup", TierBasic, wei(5_000_000_000_000_000)); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	_, err := l.ProcessPayment(payer, "pay_dup", TierBasic, wei(5_000_000_000_000_000))
	if !errors.Is(err, ErrDuplicatePaymentID) {
		t.Errorf("err = %v, want ErrDuplicatePaymentID", err)
	}
	if l.PaymentCount() != 1 {
		t.Errorf("payment count = %d after duplicate attempt", l.PaymentCount())
	}
}

func TestProcessPaymentExactAmountRequired(t *testing.T) {
	l := testLedger(t, newFakeClock())

	cases := []struct {
		name  string
		value *big.Int
	}{
		{"below", wei(4_000_000_000_000_000)},
		{"above", wei(6_000_000_000_000_000)},
		{"zero", wei(0)},
		{"nil", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.ProcessPayment(payer, "pay_"+tc.name, TierBasic, tc.value)
			if !errors.Is(err, ErrAmountMismatch) {
				t.Errorf("err = %v, want ErrAmountMismatch", err)
			}
		})
	}
}

func TestProcessPaymentEmptyID(t *testing.T) {
	l := testLedger(t, newFakeClock())
	_, err := l.ProcessPayment(payer, "  ", TierBasic, wei(5_000_000_000_000_000))
	if !errors.Is(err, ErrEmptyPaymentID) {
		t.Errorf("err = %v, want ErrEmptyPaymentID", err)
	}
}

func TestProcessPaymentPausedFailsClosed(t *testing.T) {
	l := testLedger(t, newFakeClock())

	if err := l.Pause(owner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	_, err := l.ProcessPayment(payer, "pay_paused", TierBasic, wei(5_000_000_000_000_000))
	if !errors.Is(err, ErrPaused) {
		t.Errorf("err = %v, want ErrPaused", err)
	}

	if err := l.Unpause(owner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if _, err := l.ProcessPayment(payer, "pay_resumed", TierBasic, wei(5_000_000_000_000_000)); err != nil {
		t.Errorf("payment after unpause: %v", err)
	}
}

func TestRequestRefund(t *testing.T) {
	clock := newFakeClock()
	l := testLedger(t, clock)

	price := wei(5_000_000_000_000_000)
	if _, err := l.ProcessPayment(payer, "pay_refund", TierBasic, price); err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}

	// No reserve yet: refund must fail even inside the window.
	clock.Advance(time.Hour)
	if _, err := l.RequestRefund(payer, "pay_refund"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds (treasury has not pre-funded)", err)
	}

	// Treasury tops the contract up; refund goes through.
	if err := l.Fund(price); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	p, err := l.RequestRefund(payer, "pay_refund")
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	if p.Completed {
		t.Error("refunded payment should have completed=false")
	}
	if got := l.Balance(); got.Sign() != 0 {
		t.Errorf("balance after refund = %s, want 0", got)
	}

	// A second refund for the same payment must fail.
	if _, err := l.RequestRefund(payer, "pay_refund"); !errors.Is(err, ErrNotRefundable) {
		t.Errorf("second refund err = %v, want ErrNotRefundable", err)
	}
}

func TestRequestRefundOnlyPayer(t *testing.T) {
	l := testLedger(t, newFakeClock())
	if _, err := l.ProcessPayment(payer, "pay_x", TierBasic, wei(5_000_000_000_000_000)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RequestRefund(owner, "pay_x"); !errors.Is(err, ErrNotPayer) {
		t.Errorf("err = %v, want ErrNotPayer", err)
	}
}

func TestRequestRefundWindowClosed(t *testing.T) {
	clock := newFakeClock()
	l := testLedger(t, clock)

	price := wei(5_000_000_000_000_000)
	if _, err := l.ProcessPayment(payer, "pay_late", TierBasic, price); err != nil {
		t.Fatal(err)
	}
	if err := l.Fund(price); err != nil {
		t.Fatal(err)
	}

	clock.Advance(24*time.Hour + time.Minute)
	if _, err := l.RequestRefund(payer, "pay_late"); !errors.Is(err, ErrRefundWindowClosed) {
		t.Errorf("err = %v, want ErrRefundWindowClosed", err)
	}
}

func TestRequestRefundUnknownPayment(t *testing.T) {
	l := testLedger(t, newFakeClock())
	if _, err := l.RequestRefund(payer, "pay_none"); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("err = %v, want ErrPaymentNotFound", err)
	}
}

func TestPriceChangeAffectsSubsequentPaymentsOnly(t *testing.T) {
	l := testLedger(t, newFakeClock())

	oldPrice := wei(5_000_000_000_000_000)
	newPrice := wei(7_000_000_000_000_000)
	if _, err := l.ProcessPayment(payer, "pay_old", TierBasic, oldPrice); err != nil {
		t.Fatal(err)
	}

	if err := l.UpdateTierPrice(owner, TierBasic, newPrice); err != nil {
		t.Fatalf("UpdateTierPrice: %v", err)
	}

	// Quote from before the change no longer matches.
	if _, err := l.ProcessPayment(payer, "pay_stale", TierBasic, oldPrice); !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("stale quote err = %v, want ErrAmountMismatch", err)
	}
	if _, err := l.ProcessPayment(payer, "pay_new", TierBasic, newPrice); err != nil {
		t.Errorf("new price payment: %v", err)
	}

	// Recorded payment keeps its original amount.
	p, err := l.GetPayment("pay_old")
	if err != nil {
		t.Fatal(err)
	}
	if p.Amount.Cmp(oldPrice) != 0 {
		t.Errorf("recorded amount = %s, want %s", p.Amount, oldPrice)
	}
}

func TestAdminOpsOwnerOnly(t *testing.T) {
	l := testLedger(t, newFakeClock())

	if err := l.UpdateTierPrice(payer, TierBasic, wei(1)); !errors.Is(err, ErrNotOwner) {
		t.Errorf("UpdateTierPrice err = %v, want ErrNotOwner", err)
	}
	if err := l.UpdateTreasury(payer, treasury); !errors.Is(err, ErrNotOwner) {
		t.Errorf("UpdateTreasury err = %v, want ErrNotOwner", err)
	}
	if err := l.UpdateRefundWindow(payer, time.Hour); !errors.Is(err, ErrNotOwner) {
		t.Errorf("UpdateRefundWindow err = %v, want ErrNotOwner", err)
	}
	if err := l.Pause(payer); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Pause err = %v, want ErrNotOwner", err)
	}
	if _, err := l.EmergencyWithdraw(payer); !errors.Is(err, ErrNotOwner) {
		t.Errorf("EmergencyWithdraw err = %v, want ErrNotOwner", err)
	}

	// Owner address comparison is case-insensitive.
	if err := l.Pause("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); err != nil {
		t.Errorf("Pause with lowercased owner: %v", err)
	}
}

func TestEmergencyWithdrawSweepsBalance(t *testing.T) {
	l := testLedger(t, newFakeClock())
	if err := l.Fund(wei(1_000)); err != nil {
		t.Fatal(err)
	}

	swept, err := l.EmergencyWithdraw(owner)
	if err != nil {
		t.Fatalf("EmergencyWithdraw: %v", err)
	}
	if swept.Cmp(wei(1_000)) != 0 {
		t.Errorf("swept = %s, want 1000", swept)
	}
	if got := l.Balance(); got.Sign() != 0 {
		t.Errorf("balance = %s, want 0", got)
	}
}

func TestConcurrentPaymentsSingleWinnerPerID(t *testing.T) {
	l := testLedger(t, newFakeClock())
	price := wei(5_000_000_000_000_000)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.ProcessPayment(payer, "pay_race", TierBasic, price)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrDuplicatePaymentID) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d payments succeeded for one id, want exactly 1", succeeded)
	}
	if l.PaymentCount() != 1 {
		t.Errorf("payment count = %d, want 1", l.PaymentCount())
	}
}

func TestParseTier(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Tier
	}{
		{"basic", TierBasic},
		{"PREMIUM", TierPremium},
		{"Enterprise", TierEnterprise},
	} {
		got, err := ParseTier(tc.in)
		if err != nil {
			t.Errorf("ParseTier(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTier(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseTier("gold"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("ParseTier(gold) err = %v, want ErrUnknownTier", err)
	}
}
