package arcadia

import (
	"fmt"
	"math/big"
	"time"
)

// Payment statuses as reported by the API.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusExpired    = "EXPIRED"
	StatusRefunded   = "REFUNDED"
)

// IsTerminal reports whether a status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// PaymentRequest is the server's response to a payment creation. The
// amount is in wei as a decimal string.
type PaymentRequest struct {
	PaymentID  string    `json:"paymentId"`
	PaymentURL string    `json:"paymentUrl"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Network    string    `json:"network"`
	ExpiresAt  time.Time `json:"expiresAt"`
	QRCode     string    `json:"qrCode"`
}

// AmountWei parses the quoted amount.
func (r *PaymentRequest) AmountWei() (*big.Int, error) {
	wei, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("arcadia: malformed amount %q", r.Amount)
	}
	return wei, nil
}

// PaymentStatus is a point-in-time snapshot of a payment.
type PaymentStatus struct {
	PaymentID      string     `json:"paymentId"`
	BrandID        string     `json:"brandId"`
	Amount         *big.Int   `json:"amount"`
	Currency       string     `json:"currency"`
	Network        string     `json:"network"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	TransactionRef string     `json:"transactionReference,omitempty"`
	GenerationID   string     `json:"generationId,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
}

// VerifyResult is the server's answer to a verification claim.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("arcadia: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("arcadia: HTTP %d", e.StatusCode)
}
