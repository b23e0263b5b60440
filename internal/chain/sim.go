package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/arcadia-labs/arcadia/internal/escrow"
)

// SimBackend implements Client over an in-process escrow ledger. Every
// submitted transaction mines into its own block, so confirmation
// counts are deterministic. Used by tests and by the server's local
// mode when no RPC endpoint is configured.
type SimBackend struct {
	mu       sync.Mutex
	ledger   *escrow.Ledger
	codec    *Codec
	contract common.Address
	chainID  *big.Int

	block   uint64
	nonces  map[common.Address]uint64
	txs     map[common.Hash]*simTx
	senders map[common.Hash]common.Address
}

type simTx struct {
	tx      *types.Transaction
	receipt *types.Receipt
	pending bool
}

// NewSimBackend wraps a ledger as a chain backend. The contract
// address is where payment transactions must be sent.
func NewSimBackend(ledger *escrow.Ledger, contract common.Address, chainID *big.Int) (*SimBackend, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &SimBackend{
		ledger:   ledger,
		codec:    codec,
		contract: contract,
		chainID:  new(big.Int).Set(chainID),
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*simTx),
		senders:  make(map[common.Hash]common.Address),
	}, nil
}

// Contract returns the simulated escrow contract address.
func (b *SimBackend) Contract() common.Address { return b.contract }

// Ledger exposes the underlying escrow state for assertions.
func (b *SimBackend) Ledger() *escrow.Ledger { return b.ledger }

// SendPayment submits and mines a processPayment transaction. The
// transaction is recorded either way; a ledger revert mines with a
// failed receipt and the revert is returned so callers can tell.
func (b *SimBackend) SendPayment(from common.Address, paymentID string, tier escrow.Tier, value *big.Int) (common.Hash, error) {
	data, err := b.codec.PackProcessPayment(paymentID, uint8(tier))
	if err != nil {
		return common.Hash{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx := b.newTx(from, value, data)
	_, revert := b.ledger.ProcessPayment(from.Hex(), paymentID, tier, value)
	b.mine(tx, revert == nil)
	return tx.Hash(), revert
}

// SubmitPending records a processPayment transaction without mining
// it. MinePending finalizes it later.
func (b *SimBackend) SubmitPending(from common.Address, paymentID string, tier escrow.Tier, value *big.Int) (common.Hash, error) {
	data, err := b.codec.PackProcessPayment(paymentID, uint8(tier))
	if err != nil {
		return common.Hash{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx := b.newTx(from, value, data)
	b.txs[tx.Hash()] = &simTx{tx: tx, pending: true}
	return tx.Hash(), nil
}

// MinePending mines a previously submitted pending transaction,
// applying it to the ledger.
func (b *SimBackend) MinePending(hash common.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.txs[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
	}
	if !entry.pending {
		return fmt.Errorf("chain: transaction %s already mined", hash.Hex())
	}

	call, err := b.codec.UnpackProcessPayment(entry.tx.Data())
	if err != nil {
		return err
	}

	from := b.senders[entry.tx.Hash()]
	_, revert := b.ledger.ProcessPayment(from.Hex(), call.PaymentID, escrow.Tier(call.Tier), entry.tx.Value())
	b.mineExisting(entry, revert == nil)
	return revert
}

// MineEmptyBlocks advances the head without transactions, growing the
// confirmation count of everything already mined.
func (b *SimBackend) MineEmptyBlocks(n uint64) {
	b.mu.Lock()
	b.block += n
	b.mu.Unlock()
}

func (b *SimBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.txs[hash]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
	}
	return entry.tx, entry.pending, nil
}

func (b *SimBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.txs[hash]
	if !ok || entry.pending {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, hash.Hex())
	}
	return entry.receipt, nil
}

func (b *SimBackend) BlockNumber(_ context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *SimBackend) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

// PaymentsInRange lists successful payments mined in the inclusive
// block range, recovered from stored transactions.
func (b *SimBackend) PaymentsInRange(_ context.Context, contract common.Address, fromBlock, toBlock uint64) ([]PaymentTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if contract != b.contract {
		return nil, nil
	}

	var out []PaymentTx
	for hash, entry := range b.txs {
		if entry.pending || entry.receipt.Status != types.ReceiptStatusSuccessful {
			continue
		}
		block := entry.receipt.BlockNumber.Uint64()
		if block < fromBlock || block > toBlock {
			continue
		}
		call, err := b.codec.UnpackProcessPayment(entry.tx.Data())
		if err != nil {
			continue
		}
		out = append(out, PaymentTx{
			Hash:      hash,
			PaymentID: call.PaymentID,
			Payer:     b.senders[hash],
			Block:     block,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out, nil
}

func (b *SimBackend) Close() {}

// newTx builds a legacy transaction to the contract. Caller holds b.mu.
func (b *SimBackend) newTx(from common.Address, value *big.Int, data []byte) *types.Transaction {
	nonce := b.nonces[from]
	b.nonces[from] = nonce + 1

	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &b.contract,
		Value:    new(big.Int).Set(value),
		Gas:      90_000,
		GasPrice: big.NewInt(1_000_000_000),
		Data:     data,
	})
	b.senders[tx.Hash()] = from
	return tx
}

// mine records a fresh transaction as mined in its own block. Caller
// holds b.mu.
func (b *SimBackend) mine(tx *types.Transaction, ok bool) {
	entry := &simTx{tx: tx, pending: true}
	b.txs[tx.Hash()] = entry
	b.mineExisting(entry, ok)
}

func (b *SimBackend) mineExisting(entry *simTx, ok bool) {
	b.block++
	status := types.ReceiptStatusFailed
	if ok {
		status = types.ReceiptStatusSuccessful
	}
	entry.pending = false
	entry.receipt = &types.Receipt{
		Status:      status,
		TxHash:      entry.tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     64_000 + uint64(len(entry.tx.Data())),
	}
}
