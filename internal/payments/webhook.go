package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signature headers on inbound and outbound webhook requests.
const (
	SignatureHeader = "X-Arcadia-Signature"
	TimestampHeader = "X-Arcadia-Timestamp"
)

// DefaultMaxSkew bounds how old a signed webhook may be.
const DefaultMaxSkew = 5 * time.Minute

// WebhookPayload is the wire form of an inbound payment webhook.
type WebhookPayload struct {
	PaymentID       string `json:"paymentId"`
	Status          Status `json:"status"`
	TransactionHash string `json:"transactionHash,omitempty"`
	BlockNumber     uint64 `json:"blockNumber,omitempty"`
	GasUsed         uint64 `json:"gasUsed,omitempty"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Network         string `json:"network"`
	Timestamp       int64  `json:"timestamp"`
	MerchantID      string `json:"merchantId"`
}

// Signer signs and verifies webhook payloads with a shared secret.
// The signature is hex(HMAC-SHA256(secret, timestamp + "." + body)),
// so a captured signature cannot be replayed outside the skew window
// with a fresh timestamp.
type Signer struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerNow injects a clock for tests.
func WithSignerNow(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithMaxSkew overrides the accepted timestamp skew.
func WithMaxSkew(d time.Duration) SignerOption {
	return func(s *Signer) { s.maxSkew = d }
}

func NewSigner(secret string, opts ...SignerOption) *Signer {
	s := &Signer{
		secret:  []byte(secret),
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns the signature for body at the given unix timestamp.
func (s *Signer) Sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against the raw body. Comparison is
// constant time. A timestamp outside the skew window fails even with
// a correct signature.
func (s *Signer) Verify(timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature headers", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}

	age := s.now().Sub(time.Unix(ts, 0))
	if age > s.maxSkew || age < -s.maxSkew {
		return fmt.Errorf("%w: timestamp outside accepted window", ErrBadSignature)
	}

	want := s.Sign(ts, body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrBadSignature)
	}
	return nil
}
