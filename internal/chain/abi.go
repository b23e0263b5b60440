package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// escrowABI covers the payable surface the verifier has to decode.
// Admin methods never appear in payment transactions so they are
// omitted.
const escrowABI = `[
  {
    "type": "function",
    "name": "processPayment",
    "stateMutability": "payable",
    "inputs": [
      {"name": "paymentId", "type": "string"},
      {"name": "tier", "type": "uint8"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "requestRefund",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "paymentId", "type": "string"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "PaymentReceived",
    "inputs": [
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "paymentId", "type": "string", "indexed": false},
      {"name": "tier", "type": "uint8", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false}
    ],
    "anonymous": false
  }
]`

var ErrBadCalldata = errors.New("chain: calldata does not decode as an escrow call")

// Codec packs and unpacks escrow contract calldata.
type Codec struct {
	abi abi.ABI
}

// NewCodec parses the escrow ABI. The ABI is a compile-time constant
// so failure here is a programming error.
func NewCodec() (*Codec, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow abi: %w", err)
	}
	return &Codec{abi: parsed}, nil
}

// PackProcessPayment builds calldata for processPayment(paymentId, tier).
func (c *Codec) PackProcessPayment(paymentID string, tier uint8) ([]byte, error) {
	data, err := c.abi.Pack("processPayment", paymentID, tier)
	if err != nil {
		return nil, fmt.Errorf("chain: pack processPayment: %w", err)
	}
	return data, nil
}

// PackRequestRefund builds calldata for requestRefund(paymentId).
func (c *Codec) PackRequestRefund(paymentID string) ([]byte, error) {
	data, err := c.abi.Pack("requestRefund", paymentID)
	if err != nil {
		return nil, fmt.Errorf("chain: pack requestRefund: %w", err)
	}
	return data, nil
}

// PaymentReceivedID returns the topic hash of the PaymentReceived event.
func (c *Codec) PaymentReceivedID() common.Hash {
	return c.abi.Events["PaymentReceived"].ID
}

// PaymentReceivedEvent is the decoded form of a PaymentReceived log.
type PaymentReceivedEvent struct {
	Payer     common.Address
	PaymentID string
	Tier      uint8
	Amount    *big.Int
}

// UnpackPaymentReceived decodes a PaymentReceived log. Logs with a
// different topic, or malformed data, return ErrBadCalldata.
func (c *Codec) UnpackPaymentReceived(log types.Log) (*PaymentReceivedEvent, error) {
	event := c.abi.Events["PaymentReceived"]
	if len(log.Topics) != 2 || log.Topics[0] != event.ID {
		return nil, fmt.Errorf("%w: topic mismatch", ErrBadCalldata)
	}

	args, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCalldata, err)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("%w: want 3 args, got %d", ErrBadCalldata, len(args))
	}

	paymentID, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: paymentId is not a string", ErrBadCalldata)
	}
	tier, ok := args[1].(uint8)
	if !ok {
		return nil, fmt.Errorf("%w: tier is not a uint8", ErrBadCalldata)
	}
	amount, ok := args[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: amount is not a uint256", ErrBadCalldata)
	}

	return &PaymentReceivedEvent{
		Payer:     common.BytesToAddress(log.Topics[1].Bytes()),
		PaymentID: paymentID,
		Tier:      tier,
		Amount:    amount,
	}, nil
}

// ProcessPaymentCall is the decoded form of a processPayment transaction.
type ProcessPaymentCall struct {
	PaymentID string
	Tier      uint8
}

// UnpackProcessPayment decodes processPayment calldata. Calldata for a
// different method, or malformed data, returns ErrBadCalldata.
func (c *Codec) UnpackProcessPayment(data []byte) (*ProcessPaymentCall, error) {
	method := c.abi.Methods["processPayment"]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, fmt.Errorf("%w: selector mismatch", ErrBadCalldata)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCalldata, err)
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: want 2 args, got %d", ErrBadCalldata, len(args))
	}

	paymentID, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: paymentId is not a string", ErrBadCalldata)
	}
	tier, ok := args[1].(uint8)
	if !ok {
		return nil, fmt.Errorf("%w: tier is not a uint8", ErrBadCalldata)
	}

	return &ProcessPaymentCall{PaymentID: paymentID, Tier: tier}, nil
}
