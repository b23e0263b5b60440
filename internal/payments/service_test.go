package payments

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/arcadia-labs/arcadia/internal/escrow"
)

func newPrice() *big.Int { return big.NewInt(7_000_000_000_000_000) }

func TestCreateRequestQuotesCurrentPrice(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "brand_1"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	if req.Amount.Cmp(basicPrice) != 0 {
		t.Errorf("amount = %s, want %s", req.Amount, basicPrice)
	}
	if req.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", req.Status)
	}
	if !strings.HasPrefix(req.PaymentID, "pay_") {
		t.Errorf("paymentID = %q", req.PaymentID)
	}
	wantExpiry := rig.clock.Now().Add(30 * time.Minute)
	if !req.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiresAt = %s, want %s", req.ExpiresAt, wantExpiry)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic"}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing brandId err = %v, want ErrValidation", err)
	}
	if _, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "gold", BrandID: "b"}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown tier err = %v, want ErrValidation", err)
	}
}

func TestCreateRequestCallbackURL(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// IP literal: the endpoint check validates it without DNS.
	url := "https://203.0.113.10/hooks/payments"
	req, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "brand_1", CallbackURL: url})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.CallbackURL != url {
		t.Errorf("callbackUrl = %q, want %q", req.CallbackURL, url)
	}

	// The URL survives persistence.
	stored, err := rig.store.GetRequest(ctx, req.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CallbackURL != url {
		t.Errorf("stored callbackUrl = %q, want %q", stored.CallbackURL, url)
	}

	if _, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "b", CallbackURL: "http://203.0.113.10/hooks"}); !errors.Is(err, ErrValidation) {
		t.Errorf("plain-http callback err = %v, want ErrValidation", err)
	}
	if _, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "b", CallbackURL: "https://127.0.0.1/hooks"}); !errors.Is(err, ErrValidation) {
		t.Errorf("loopback callback err = %v, want ErrValidation", err)
	}
}

func TestPaymentURI(t *testing.T) {
	rig := newTestRig(t)

	req, err := rig.service.CreateRequest(context.Background(), CreateParams{Tier: "premium", BrandID: "b"})
	if err != nil {
		t.Fatal(err)
	}

	uri := rig.service.PaymentURI(req)
	for _, part := range []string{
		"ethereum:" + testContract.Hex(),
		"@8453",
		"value=" + req.Amount.String(),
		"paymentId=" + req.PaymentID,
	} {
		if !strings.Contains(uri, part) {
			t.Errorf("uri %q missing %q", uri, part)
		}
	}
}

func TestPriceChangeBetweenQuoteAndPayment(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "b"})
	if err != nil {
		t.Fatal(err)
	}

	// Owner raises the price after the quote. The stale-amount payment
	// reverts on chain and the request fails rather than completing.
	ledger := rig.backend.Ledger()
	if err := ledger.UpdateTierPrice("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		escrow.TierBasic, newPrice()); err != nil {
		t.Fatal(err)
	}

	hash, serr := rig.backend.SendPayment(testPayer, req.PaymentID, req.Tier, req.Amount)
	if !errors.Is(serr, escrow.ErrAmountMismatch) {
		t.Fatalf("SendPayment err = %v, want ErrAmountMismatch", serr)
	}

	got, err := rig.reconciler.Complete(ctx, req.PaymentID, hash.Hex())
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("Complete err = %v, want ErrVerifyMismatch", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}

	// A fresh quote at the new price goes through.
	req2, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if req2.Amount.Cmp(newPrice()) != 0 {
		t.Errorf("requoted amount = %s, want %s", req2.Amount, newPrice())
	}
}

func TestListByBrandPaginates(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		req, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "brand_1"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, req.PaymentID)
		rig.clock.Advance(time.Minute)
	}
	if _, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "brand_other"}); err != nil {
		t.Fatal(err)
	}

	page1, cursor, err := rig.service.ListByBrand(ctx, "brand_1", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || cursor == "" {
		t.Fatalf("page1 len = %d cursor = %q", len(page1), cursor)
	}
	// Newest first.
	if page1[0].PaymentID != ids[4] || page1[1].PaymentID != ids[3] {
		t.Errorf("page1 = %s, %s", page1[0].PaymentID, page1[1].PaymentID)
	}

	page2, cursor, err := rig.service.ListByBrand(ctx, "brand_1", 2, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].PaymentID != ids[2] {
		t.Fatalf("page2 = %+v", page2)
	}

	page3, cursor, err := rig.service.ListByBrand(ctx, "brand_1", 2, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 1 || page3[0].PaymentID != ids[0] {
		t.Fatalf("page3 = %+v", page3)
	}
	if cursor != "" {
		t.Errorf("final cursor = %q, want empty", cursor)
	}
}

func TestListByBrandValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, _, err := rig.service.ListByBrand(ctx, "  ", 10, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("blank brand err = %v, want ErrValidation", err)
	}
	if _, _, err := rig.service.ListByBrand(ctx, "brand_1", 10, "not-a-cursor"); !errors.Is(err, ErrValidation) {
		t.Errorf("bad cursor err = %v, want ErrValidation", err)
	}
}

func TestListByBrandReportsEffectiveExpiry(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	req, err := rig.service.CreateRequest(ctx, CreateParams{Tier: "basic", BrandID: "brand_1"})
	if err != nil {
		t.Fatal(err)
	}
	rig.clock.Advance(31 * time.Minute)

	items, _, err := rig.service.ListByBrand(ctx, "brand_1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != StatusExpired {
		t.Fatalf("items = %+v", items)
	}

	// The projection is read-only.
	stored, err := rig.store.GetRequest(ctx, req.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusPending {
		t.Errorf("stored status = %s, want PENDING", stored.Status)
	}
}
