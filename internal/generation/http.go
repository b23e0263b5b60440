package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arcadia-labs/arcadia/internal/retry"
)

// HTTPTrigger calls the generation service over HTTP. The payment id
// travels as an Idempotency-Key header so the service can dedupe
// retried deliveries.
type HTTPTrigger struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPTrigger(endpoint, apiKey string) *HTTPTrigger {
	return &HTTPTrigger{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type triggerResponse struct {
	GenerationID string `json:"generationId"`
}

// Trigger posts the job, retrying transient failures. 4xx responses
// other than 409 are permanent; a 409 means the service already has
// the job and its body carries the existing generation id.
func (t *HTTPTrigger) Trigger(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("generation: encode job: %w", err)
	}

	var genID string
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", job.PaymentID)
		if t.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTriggerFailed, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read response: %v", ErrTriggerFailed, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK,
			resp.StatusCode == http.StatusCreated,
			resp.StatusCode == http.StatusConflict:
			var tr triggerResponse
			if err := json.Unmarshal(raw, &tr); err != nil || strings.TrimSpace(tr.GenerationID) == "" {
				return retry.Permanent(fmt.Errorf("%w: missing generationId", ErrBadResponse))
			}
			genID = tr.GenerationID
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrTriggerFailed, resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrTriggerFailed, resp.StatusCode))
		}
	})
	if err != nil {
		return "", err
	}
	return genID, nil
}
