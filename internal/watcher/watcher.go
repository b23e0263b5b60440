// Package watcher polls the chain for escrow payments addressed to the
// contract and reconciles them. A payer who sends the transaction but
// never calls the verify endpoint still ends up COMPLETED: the watcher
// discovers the payment once it has enough confirmations and hands it
// to the same reconcile path the verify endpoint uses.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcadia-labs/arcadia/internal/chain"
	"github.com/arcadia-labs/arcadia/internal/metrics"
	"github.com/arcadia-labs/arcadia/internal/payments"
)

// Source lists escrow payments mined in an inclusive block range.
// Both chain backends implement it.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	PaymentsInRange(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]chain.PaymentTx, error)
}

// Completer reconciles an observed payment against its request. The
// payments reconciler satisfies it.
type Completer interface {
	Complete(ctx context.Context, paymentID, txHash string) (*payments.PaymentRequest, error)
}

// Config for the payment watcher.
type Config struct {
	// Contract is the escrow address whose payments are watched.
	Contract common.Address
	// PollInterval between head checks.
	PollInterval time.Duration
	// Confirmations a block needs before its payments are reconciled.
	Confirmations uint64
	// StartBlock to scan from. 0 starts at the current head.
	StartBlock uint64
}

// Watcher polls the chain and reconciles discovered payments.
type Watcher struct {
	source    Source
	completer Completer
	cfg       Config
	logger    *slog.Logger

	lastBlock uint64
	stop      chan struct{}
	running   atomic.Bool
}

func New(source Source, completer Completer, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &Watcher{
		source:    source,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start runs the poll loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	if w.cfg.StartBlock > 0 {
		w.lastBlock = w.cfg.StartBlock - 1
	} else if head, err := w.source.BlockNumber(ctx); err == nil {
		w.lastBlock = head
	} else {
		w.logger.Warn("payment watcher could not read head, starting from genesis", "error", err)
	}

	w.logger.Info("payment watcher started",
		"contract", w.cfg.Contract.Hex(),
		"from_block", w.lastBlock+1,
		"confirmations", w.cfg.Confirmations)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeScan(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in payment watcher scan", "panic", fmt.Sprint(r))
		}
	}()

	if err := w.scanOnce(ctx); err != nil {
		w.logger.Warn("payment watcher scan failed", "error", err)
	}
}

// scanOnce reconciles payments in blocks that have reached the
// confirmation depth since the previous scan. The cursor only advances
// past a block after its payments were handed to the reconciler, and
// the reconcile path is idempotent, so a crash between scans at worst
// repeats work.
func (w *Watcher) scanOnce(ctx context.Context) error {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if head+1 < w.cfg.Confirmations {
		return nil
	}
	safe := head + 1 - w.cfg.Confirmations
	if safe <= w.lastBlock {
		return nil
	}

	txs, err := w.source.PaymentsInRange(ctx, w.cfg.Contract, w.lastBlock+1, safe)
	if err != nil {
		return fmt.Errorf("scan blocks %d-%d: %w", w.lastBlock+1, safe, err)
	}

	for _, tx := range txs {
		w.reconcile(ctx, tx)
	}
	w.lastBlock = safe
	return nil
}

func (w *Watcher) reconcile(ctx context.Context, tx chain.PaymentTx) {
	_, err := w.completer.Complete(ctx, tx.PaymentID, tx.Hash.Hex())
	switch {
	case err == nil:
		metrics.ChainPaymentsObservedTotal.WithLabelValues("completed").Inc()
		w.logger.Info("chain payment reconciled",
			"payment_id", tx.PaymentID,
			"tx_hash", tx.Hash.Hex(),
			"block", tx.Block)
	case errors.Is(err, payments.ErrNotFound):
		// Payment to our contract for an id this instance never issued.
		metrics.ChainPaymentsObservedTotal.WithLabelValues("unknown").Inc()
		w.logger.Debug("chain payment for unknown request",
			"payment_id", tx.PaymentID,
			"tx_hash", tx.Hash.Hex())
	case errors.Is(err, payments.ErrExpired), errors.Is(err, payments.ErrIllegalTransition):
		metrics.ChainPaymentsObservedTotal.WithLabelValues("rejected").Inc()
		w.logger.Warn("chain payment rejected by reconciler",
			"payment_id", tx.PaymentID,
			"tx_hash", tx.Hash.Hex(),
			"error", err)
	default:
		metrics.ChainPaymentsObservedTotal.WithLabelValues("error").Inc()
		w.logger.Warn("chain payment reconcile failed",
			"payment_id", tx.PaymentID,
			"tx_hash", tx.Hash.Hex(),
			"error", err)
	}
}
