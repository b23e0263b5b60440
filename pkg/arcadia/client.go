// Package arcadia is a client for the Arcadia payment API. It creates
// tiered payment requests, polls their status, and submits transaction
// hashes for verification.
package arcadia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Poll bounds. PollStatus clamps the caller's interval and gives up
// after MaxPollWait regardless of payment expiry.
const (
	MinPollInterval = time.Second
	MaxPollInterval = 30 * time.Second
	MaxPollWait     = 5 * time.Minute
)

// ErrPollTimeout is returned when PollStatus gives up before the
// payment reaches a terminal status.
var ErrPollTimeout = errors.New("arcadia: poll timed out before a terminal status")

// Client calls the Arcadia payment API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNow injects a clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleep injects the poll delay function, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreatePayment requests a new payment for the given brand and tier.
// The server answers 402 Payment Required on success.
func (c *Client) CreatePayment(ctx context.Context, brandID, tier string) (*PaymentRequest, error) {
	body, err := json.Marshal(map[string]string{
		"brandId": brandID,
		"tier":    tier,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, decodeAPIError(resp)
	}

	var out PaymentRequest
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("arcadia: decode create response: %w", err)
	}
	return &out, nil
}

// GetStatus reads the current status of a payment.
func (c *Client) GetStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var out struct {
		Payment PaymentStatus `json:"payment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("arcadia: decode status response: %w", err)
	}
	return &out.Payment, nil
}

// Verify submits a transaction hash for a payment. The server checks
// it on-chain and completes the payment when the claim holds.
func (c *Client) Verify(ctx context.Context, paymentID, txHash string) (*VerifyResult, error) {
	body, err := json.Marshal(map[string]string{"transactionHash": txHash})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments/"+paymentID+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// 409 carries a verify body too: the payment is in a terminal
	// state that rejects completion.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return nil, decodeAPIError(resp)
	}

	var out VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("arcadia: decode verify response: %w", err)
	}
	return &out, nil
}

// PollStatus reads the payment status at the given interval until it
// reaches a terminal state. The interval is clamped to
// [MinPollInterval, MaxPollInterval] and polling stops after
// MaxPollWait even if the payment is still open.
func (c *Client) PollStatus(ctx context.Context, paymentID string, interval time.Duration) (*PaymentStatus, error) {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	if interval > MaxPollInterval {
		interval = MaxPollInterval
	}

	deadline := c.now().Add(MaxPollWait)
	for {
		status, err := c.GetStatus(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if IsTerminal(status.Status) {
			return status, nil
		}
		if !c.now().Add(interval).Before(deadline) {
			return status, ErrPollTimeout
		}
		if err := c.sleep(ctx, interval); err != nil {
			return status, err
		}
	}
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.NewDecoder(resp.Body).Decode(apiErr)
	return apiErr
}
