// Package generation is the boundary to the downstream content
// generation service. Payment completion triggers exactly one
// generation job per payment; the trigger is idempotent per payment id
// so retries after partial failure are safe.
package generation

import (
	"context"
	"errors"
)

var (
	ErrTriggerFailed = errors.New("generation: trigger failed")
	ErrBadResponse   = errors.New("generation: malformed response")
)

// Job is the payload handed to the generation service. PaymentVerified
// is always true by the time a job is built; the field is part of the
// downstream contract.
type Job struct {
	PaymentID       string `json:"paymentId"`
	BrandID         string `json:"brandId"`
	PaymentVerified bool   `json:"paymentVerified"`
}

// Trigger starts a generation job. Implementations must be idempotent
// per payment id: triggering the same job twice returns the same
// generation id without starting duplicate work.
type Trigger interface {
	Trigger(ctx context.Context, job Job) (generationID string, err error)
}

// TriggerFunc adapts a function to the Trigger interface.
type TriggerFunc func(ctx context.Context, job Job) (string, error)

func (f TriggerFunc) Trigger(ctx context.Context, job Job) (string, error) {
	return f(ctx, job)
}
