package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/arcadia-labs/arcadia/internal/chain"
	"github.com/arcadia-labs/arcadia/internal/traces"
	"github.com/arcadia-labs/arcadia/internal/validation"
)

// Verdict is the verifier's answer for a (paymentId, txHash) claim.
type Verdict struct {
	Valid       bool     `json:"valid"`
	BlockNumber uint64   `json:"blockNumber"`
	GasUsed     uint64   `json:"gasUsed"`
	Amount      *big.Int `json:"amount"`
	Recipient   string   `json:"recipient"`
}

// Verifier checks untrusted "transaction X pays for payment Y" claims
// against the chain. It performs no writes and is deterministic given
// chain state, so repeat calls for the same input are safe.
type Verifier struct {
	client   chain.Client
	codec    *chain.Codec
	contract common.Address

	// minConfirmations gates how deep a transaction must be before it
	// verifies. A mined transaction at the head counts as one.
	minConfirmations uint64
}

func NewVerifier(client chain.Client, contract common.Address, minConfirmations uint64) (*Verifier, error) {
	codec, err := chain.NewCodec()
	if err != nil {
		return nil, err
	}
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &Verifier{
		client:           client,
		codec:            codec,
		contract:         contract,
		minConfirmations: minConfirmations,
	}, nil
}

// Verify confirms that txHash is a mined, successful processPayment
// call to the escrow contract carrying req's payment id, tier and
// exact amount. Transient conditions (unknown hash, pending, too few
// confirmations) return ErrTxNotVisible and are safe to retry; any
// content mismatch returns ErrVerifyMismatch and is fatal for that
// claim.
func (v *Verifier) Verify(ctx context.Context, req *PaymentRequest, txHash string) (*Verdict, error) {
	ctx, span := traces.StartSpan(ctx, "payments.verifier.Verify",
		traces.PaymentID(req.PaymentID),
		traces.TxHash(txHash),
	)
	defer span.End()

	if !validation.IsValidTxHash(txHash) {
		return nil, fmt.Errorf("%w: malformed transaction hash", ErrValidation)
	}
	hash := common.HexToHash(txHash)

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotVisible, txHash)
		}
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		return nil, fmt.Errorf("%w: %s is pending", ErrTxNotVisible, txHash)
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, chain.ErrReceiptNotFound) {
			return nil, fmt.Errorf("%w: %s has no receipt yet", ErrTxNotVisible, txHash)
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction reverted on chain", ErrVerifyMismatch)
	}

	if tx.To() == nil || *tx.To() != v.contract {
		return nil, fmt.Errorf("%w: destination is not the escrow contract", ErrVerifyMismatch)
	}

	call, err := v.codec.UnpackProcessPayment(tx.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: calldata is not a payment call", ErrVerifyMismatch)
	}
	if call.PaymentID != req.PaymentID {
		return nil, fmt.Errorf("%w: transaction is bound to a different payment id", ErrVerifyMismatch)
	}
	if call.Tier != uint8(req.Tier) {
		return nil, fmt.Errorf("%w: tier does not match", ErrVerifyMismatch)
	}
	if req.Amount == nil || tx.Value().Cmp(req.Amount) != 0 {
		return nil, fmt.Errorf("%w: attached value does not match quoted amount", ErrVerifyMismatch)
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= mined {
		confirmations = head - mined + 1
	}
	if confirmations < v.minConfirmations {
		return nil, fmt.Errorf("%w: %d confirmations, need %d",
			ErrTxNotVisible, confirmations, v.minConfirmations)
	}

	return &Verdict{
		Valid:       true,
		BlockNumber: mined,
		GasUsed:     receipt.GasUsed,
		Amount:      new(big.Int).Set(tx.Value()),
		Recipient:   v.contract.Hex(),
	}, nil
}
