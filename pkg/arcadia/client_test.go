package arcadia

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeAPI serves a single payment whose status the test script mutates.
type fakeAPI struct {
	mu       sync.Mutex
	status   string
	requests int
}

func (f *fakeAPI) setStatus(s string) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["brandId"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "validation_error", "message": "brandId is required",
			})
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"paymentId":  "pay_test1",
			"paymentUrl": "ethereum:0x1111111111111111111111111111111111111111@84532?value=15000000000000000&paymentId=pay_test1",
			"amount":     "15000000000000000",
			"currency":   "ETH",
			"network":    "base-sepolia",
			"expiresAt":  time.Now().Add(30 * time.Minute).UTC(),
			"qrCode":     "ethereum:...",
		})
	})
	mux.HandleFunc("GET /v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.requests++
		f.mu.Unlock()
		if status == "" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "not_found", "message": "Payment not found",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payment": map[string]any{
				"paymentId": "pay_test1",
				"brandId":   "brand_1",
				"amount":    15000000000000000,
				"status":    status,
			},
		})
	})
	mux.HandleFunc("POST /v1/payments/pay_test1/verify", func(w http.ResponseWriter, r *http.Request) {
		f.setStatus("COMPLETED")
		_ = json.NewEncoder(w).Encode(VerifyResult{Verified: true, Status: "COMPLETED"})
	})
	return mux
}

func newFakeClient(t *testing.T, api *fakeAPI, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, opts...)
}

func TestCreatePayment(t *testing.T) {
	client := newFakeClient(t, &fakeAPI{})

	req, err := client.CreatePayment(context.Background(), "brand_1", "premium")
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if req.PaymentID != "pay_test1" {
		t.Errorf("paymentId = %q", req.PaymentID)
	}

	wei, err := req.AmountWei()
	if err != nil {
		t.Fatalf("AmountWei: %v", err)
	}
	if wei.String() != "15000000000000000" {
		t.Errorf("amount = %s", wei)
	}
}

func TestCreatePaymentValidationError(t *testing.T) {
	client := newFakeClient(t, &fakeAPI{})

	_, err := client.CreatePayment(context.Background(), "", "premium")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
	if apiErr.Code != "validation_error" {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	client := newFakeClient(t, &fakeAPI{})

	_, err := client.GetStatus(context.Background(), "pay_missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.StatusCode)
	}
}

func TestVerifyCompletes(t *testing.T) {
	api := &fakeAPI{}
	api.setStatus("PENDING")
	client := newFakeClient(t, api)

	result, err := client.Verify(context.Background(), "pay_test1", "0xabc")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified || result.Status != "COMPLETED" {
		t.Errorf("result = %+v", result)
	}
}

func TestPollStatusReachesTerminal(t *testing.T) {
	api := &fakeAPI{}
	api.setStatus("PENDING")
	client := newFakeClient(t, api,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			// Third poll sees COMPLETED
			api.mu.Lock()
			if api.requests >= 2 {
				api.status = "COMPLETED"
			}
			api.mu.Unlock()
			return nil
		}),
	)

	status, err := client.PollStatus(context.Background(), "pay_test1", 2*time.Second)
	if err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if status.Status != "COMPLETED" {
		t.Errorf("status = %q, want COMPLETED", status.Status)
	}
}

func TestPollStatusTimesOut(t *testing.T) {
	api := &fakeAPI{}
	api.setStatus("PENDING")

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	client := newFakeClient(t, api,
		WithNow(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			clock = clock.Add(d)
			mu.Unlock()
			return nil
		}),
	)

	status, err := client.PollStatus(context.Background(), "pay_test1", 10*time.Second)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
	if status == nil || status.Status != "PENDING" {
		t.Errorf("final snapshot = %+v", status)
	}
}

func TestPollStatusClampsInterval(t *testing.T) {
	api := &fakeAPI{}
	api.setStatus("COMPLETED")

	var slept []time.Duration
	client := newFakeClient(t, api,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	// Terminal on first read: no sleeps at all
	if _, err := client.PollStatus(context.Background(), "pay_test1", time.Millisecond); err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	if len(slept) != 0 {
		t.Errorf("expected no sleeps, got %v", slept)
	}

	// Non-terminal: sub-second interval clamps up to MinPollInterval
	api.setStatus("PENDING")
	done := make(chan struct{})
	client.sleep = func(ctx context.Context, d time.Duration) error {
		if d != MinPollInterval {
			t.Errorf("sleep = %v, want %v", d, MinPollInterval)
		}
		api.setStatus("FAILED")
		close(done)
		return nil
	}
	if _, err := client.PollStatus(context.Background(), "pay_test1", time.Millisecond); err != nil {
		t.Fatalf("PollStatus: %v", err)
	}
	<-done
}

func TestPollStatusStopsOnContextCancel(t *testing.T) {
	api := &fakeAPI{}
	api.setStatus("PENDING")

	ctx, cancel := context.WithCancel(context.Background())
	client := newFakeClient(t, api,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	_, err := client.PollStatus(ctx, "pay_test1", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
