// Package chain provides read access to the chain the escrow contract
// is deployed on. The verification pipeline only ever reads: it looks
// up transactions and receipts by hash and never signs or submits
// anything. Client is the capability the rest of the codebase depends
// on; RPCClient binds it to a JSON-RPC endpoint and SimBackend binds
// it to an in-process escrow ledger for tests and local development.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrTxNotFound      = errors.New("chain: transaction not found")
	ErrReceiptNotFound = errors.New("chain: receipt not found")
)

// Client reads transaction state from a chain. Implementations must be
// safe for concurrent use.
type Client interface {
	// TransactionByHash returns the transaction and whether it is still
	// pending. A missing transaction returns ErrTxNotFound.
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)

	// TransactionReceipt returns the receipt for a mined transaction.
	// A transaction that is unknown or not yet mined returns
	// ErrReceiptNotFound.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// BlockNumber returns the latest block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// ChainID returns the chain id of the connected network.
	ChainID(ctx context.Context) (*big.Int, error)

	Close()
}

// PaymentTx is a successful escrow payment observed on chain.
type PaymentTx struct {
	Hash      common.Hash
	PaymentID string
	Payer     common.Address
	Block     uint64
}

// RPCClient implements Client over go-ethereum's JSON-RPC client.
type RPCClient struct {
	ec      *ethclient.Client
	timeout time.Duration
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*RPCClient, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &RPCClient{ec: ec, timeout: 10 * time.Second}, nil
}

func (c *RPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *RPCClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	tx, pending, err := c.ec.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrTxNotFound, hash.Hex())
		}
		return nil, false, fmt.Errorf("chain: transaction %s: %w", hash.Hex(), err)
	}
	return tx, pending, nil
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	receipt, err := c.ec.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("chain: receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	return id, nil
}

// PaymentsInRange lists successful escrow payments mined in the
// inclusive block range, discovered from PaymentReceived logs.
func (c *RPCClient) PaymentsInRange(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]PaymentTx, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	logs, err := c.ec.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{codec.PaymentReceivedID()}},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter payment logs: %w", err)
	}

	out := make([]PaymentTx, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := codec.UnpackPaymentReceived(lg)
		if err != nil {
			// Foreign log under our topic; skip it.
			continue
		}
		out = append(out, PaymentTx{
			Hash:      lg.TxHash,
			PaymentID: ev.PaymentID,
			Payer:     ev.Payer,
			Block:     lg.BlockNumber,
		})
	}
	return out, nil
}

func (c *RPCClient) Close() {
	c.ec.Close()
}
