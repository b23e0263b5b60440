package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *testRig, *Signer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rig := newTestRig(t)
	signer := NewSigner("whsec_test", WithSignerNow(rig.clock.Now))
	handler := NewHandler(rig.service, rig.reconciler, signer, "admintoken")

	router := gin.New()
	v1 := router.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin"))
	return router, rig, signer
}

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreatePaymentReturns402(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/payments", gin.H{
		"tier":    "basic",
		"brandId": "brand_1",
	}, nil)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body %s", w.Code, w.Body.String())
	}

	var resp struct {
		PaymentID  string `json:"paymentId"`
		PaymentURL string `json:"paymentUrl"`
		Amount     string `json:"amount"`
		Currency   string `json:"currency"`
		Network    string `json:"network"`
		QRCode     string `json:"qrCode"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.PaymentID == "" || resp.PaymentURL == "" || resp.QRCode == "" {
		t.Errorf("incomplete response: %+v", resp)
	}
	if resp.Amount != basicPrice.String() {
		t.Errorf("amount = %s, want %s", resp.Amount, basicPrice)
	}
	if resp.Network != "base-sepolia" {
		t.Errorf("network = %s", resp.Network)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/payments", gin.H{"tier": "gold", "brandId": "b"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown tier status = %d, want 400", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/v1/payments", gin.H{"tier": "basic"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing brandId status = %d, want 400", w.Code)
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(router, http.MethodGet, "/v1/payments/pay_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestVerifyEndpointCompletesPayment(t *testing.T) {
	router, rig, _ := newTestRouter(t)

	req, hash := rig.createAndPay(t)

	w := doJSON(router, http.MethodPost, "/v1/payments/"+req.PaymentID+"/verify",
		gin.H{"transactionHash": hash.Hex()}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Verified    bool    `json:"verified"`
		Status      Status  `json:"status"`
		BlockNumber *uint64 `json:"blockNumber"`
		GasUsed     *uint64 `json:"gasUsed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Verified || resp.Status != StatusCompleted {
		t.Errorf("resp = %+v", resp)
	}
	if resp.BlockNumber == nil || *resp.BlockNumber == 0 {
		t.Errorf("blockNumber missing from verified response: %s", w.Body.String())
	}
	if resp.GasUsed == nil || *resp.GasUsed == 0 {
		t.Errorf("gasUsed missing from verified response: %s", w.Body.String())
	}

	// A repeat verify is an idempotent no-op with no fresh chain
	// verdict attached.
	w = doJSON(router, http.MethodPost, "/v1/payments/"+req.PaymentID+"/verify",
		gin.H{"transactionHash": hash.Hex()}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", w.Code)
	}
	var repeat map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &repeat); err != nil {
		t.Fatal(err)
	}
	if _, ok := repeat["blockNumber"]; ok {
		t.Errorf("repeat verify carried a chain verdict: %s", w.Body.String())
	}
}

func TestVerifyEndpointMismatch(t *testing.T) {
	router, rig, _ := newTestRouter(t)

	req, err := rig.service.CreateRequest(context.Background(), CreateParams{Tier: "basic", BrandID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	hash, _ := rig.backend.SendPayment(testPayer, "pay_other", req.Tier, req.Amount)

	w := doJSON(router, http.MethodPost, "/v1/payments/"+req.PaymentID+"/verify",
		gin.H{"transactionHash": hash.Hex()}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Verified bool   `json:"verified"`
		Status   Status `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Verified || resp.Status != StatusFailed {
		t.Errorf("resp = %+v", resp)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router, rig, _ := newTestRouter(t)

	req, hash := rig.createAndPay(t)
	payload, _ := json.Marshal(WebhookPayload{
		PaymentID:       req.PaymentID,
		Status:          StatusCompleted,
		TransactionHash: hash.Hex(),
	})

	w := doJSON(router, http.MethodPost, "/v1/webhooks/payments", json.RawMessage(payload), map[string]string{
		TimestampHeader: timestampString(rig.clock.Now().Unix()),
		SignatureHeader: "deadbeef",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	// The forged webhook changed nothing.
	stored, err := rig.store.GetRequest(context.Background(), req.PaymentID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", stored.Status)
	}
}

func TestWebhookCompletesPayment(t *testing.T) {
	router, rig, signer := newTestRouter(t)

	req, hash := rig.createAndPay(t)
	body, _ := json.Marshal(WebhookPayload{
		PaymentID:       req.PaymentID,
		Status:          StatusCompleted,
		TransactionHash: hash.Hex(),
		Amount:          req.Amount.String(),
		Currency:        "ETH",
		Network:         "base-sepolia",
		MerchantID:      "arcadia",
	})

	ts := rig.clock.Now().Unix()
	send := func() *httptest.ResponseRecorder {
		httpReq := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(body))
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set(TimestampHeader, timestampString(ts))
		httpReq.Header.Set(SignatureHeader, signer.Sign(ts, body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httpReq)
		return w
	}

	w := send()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}

	// Redelivery echoes COMPLETED and does not re-trigger.
	w = send()
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", w.Code)
	}
	var resp struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusCompleted {
		t.Errorf("status = %s", resp.Status)
	}
	if n := rig.trigger.calls.Load(); n != 1 {
		t.Errorf("trigger fired %d times, want 1", n)
	}
}

func TestWebhookUnknownPayment(t *testing.T) {
	router, rig, signer := newTestRouter(t)

	body, _ := json.Marshal(WebhookPayload{
		PaymentID: "pay_unknown",
		Status:    StatusProcessing,
	})
	ts := rig.clock.Now().Unix()

	httpReq := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(body))
	httpReq.Header.Set(TimestampHeader, timestampString(ts))
	httpReq.Header.Set(SignatureHeader, signer.Sign(ts, body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAdminRoutesGated(t *testing.T) {
	router, rig, _ := newTestRouter(t)

	req, hash := rig.createAndPay(t)
	if _, err := rig.reconciler.Complete(context.Background(), req.PaymentID, hash.Hex()); err != nil {
		t.Fatal(err)
	}

	w := doJSON(router, http.MethodPost, "/v1/admin/payments/"+req.PaymentID+"/refund", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("unauthenticated status = %d, want 403", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/v1/admin/payments/"+req.PaymentID+"/refund", nil,
		map[string]string{"X-Admin-Secret": "admintoken"})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}
}

func TestListPaymentsEndpoint(t *testing.T) {
	router, rig, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		w := doJSON(router, http.MethodPost, "/v1/payments", gin.H{
			"tier":    "basic",
			"brandId": "brand_1",
		}, nil)
		if w.Code != http.StatusPaymentRequired {
			t.Fatalf("create status = %d", w.Code)
		}
		rig.clock.Advance(time.Second)
	}

	w := doJSON(router, http.MethodGet, "/v1/payments?brandId=brand_1&limit=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payments   []*PaymentRequest `json:"payments"`
		NextCursor string            `json:"nextCursor"`
		HasMore    bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Payments) != 2 || !resp.HasMore || resp.NextCursor == "" {
		t.Fatalf("page = %+v", resp)
	}

	w = doJSON(router, http.MethodGet, "/v1/payments?brandId=brand_1&limit=2&cursor="+resp.NextCursor, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Payments) != 1 || resp.HasMore {
		t.Fatalf("last page = %+v", resp)
	}
}

func TestListPaymentsEndpointValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	if w := doJSON(router, http.MethodGet, "/v1/payments", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing brandId status = %d", w.Code)
	}
	if w := doJSON(router, http.MethodGet, "/v1/payments?brandId=b&limit=zero", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}
