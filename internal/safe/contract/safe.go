package contract

import (
	"context"
	"fmt"
	"math/big"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var safeSchema = mustSafeSchema()

func mustSafeSchema() *Schema {
	schema, err := NewSchema(SafeABI, map[string]DecodeRule{
		"execTransaction":    DecodeNone,
		"getTransactionHash": DecodeOutputs,
		"requiredTxGas":      DecodeRevert,
		"nonce":              DecodeOutputs,
		"getOwners":          DecodeOutputs,
		"getThreshold":       DecodeOutputs,
	})
	if err != nil {
		panic(err)
	}
	return schema
}

// Caller is the read side of the relay client.
type Caller interface {
	Call(ctx context.Context, msg web3.CallMsg) ([]byte, error)
}

// ExecParams are the arguments shared by execTransaction, getTransactionHash
// and requiredTxGas. Nil integers encode as zero.
type ExecParams struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
	Signatures     []byte
}

// Outcome is the ExecutionSuccess / ExecutionFailure event found in a receipt.
type Outcome struct {
	Found      bool
	Success    bool
	SafeTxHash common.Hash
	Payment    *big.Int
}

// Safe binds the Safe schema to a deployed proxy address.
type Safe struct {
	address common.Address
	schema  *Schema
}

// NewSafe returns a binding for the Safe at address.
func NewSafe(address common.Address) *Safe {
	return &Safe{address: address, schema: safeSchema}
}

// Address returns the proxy address.
func (s *Safe) Address() common.Address {
	return s.address
}

// Schema exposes the resolved Safe schema.
func (s *Safe) Schema() *Schema {
	return s.schema
}

// ExecTransaction describes the relay call.
func (s *Safe) ExecTransaction(p ExecParams) (Call, error) {
	return s.schema.Describe("execTransaction",
		p.To, orZero(p.Value), orEmpty(p.Data), p.Operation,
		orZero(p.SafeTxGas), orZero(p.BaseGas), orZero(p.GasPrice),
		p.GasToken, p.RefundReceiver, orEmpty(p.Signatures))
}

// TransactionHashCall describes getTransactionHash.
func (s *Safe) TransactionHashCall(p ExecParams) (Call, error) {
	return s.schema.Describe("getTransactionHash",
		p.To, orZero(p.Value), orEmpty(p.Data), p.Operation,
		orZero(p.SafeTxGas), orZero(p.BaseGas), orZero(p.GasPrice),
		p.GasToken, p.RefundReceiver, orZero(p.Nonce))
}

// RequiredTxGasCall describes the self-reporting estimation call.
func (s *Safe) RequiredTxGasCall(p ExecParams) (Call, error) {
	return s.schema.Describe("requiredTxGas", p.To, orZero(p.Value), orEmpty(p.Data), p.Operation)
}

// RequiredTxGasMsg builds the eth_call message for requiredTxGas: the Safe
// calls itself so the onlySelf-style guard passes.
func (s *Safe) RequiredTxGasMsg(p ExecParams, gas uint64) (web3.CallMsg, Call, error) {
	call, err := s.RequiredTxGasCall(p)
	if err != nil {
		return web3.CallMsg{}, Call{}, err
	}
	return web3.CallMsg{From: s.address, To: s.address, Gas: gas, Data: call.Data()}, call, nil
}

// Nonce reads the current Safe nonce.
func (s *Safe) Nonce(ctx context.Context, c Caller) (*big.Int, error) {
	out, err := s.read(ctx, c, "nonce")
	if err != nil {
		return nil, err
	}
	return asBig(out, "nonce")
}

// Threshold reads the owner quorum.
func (s *Safe) Threshold(ctx context.Context, c Caller) (*big.Int, error) {
	out, err := s.read(ctx, c, "getThreshold")
	if err != nil {
		return nil, err
	}
	return asBig(out, "getThreshold")
}

// Owners reads the owner list.
func (s *Safe) Owners(ctx context.Context, c Caller) ([]common.Address, error) {
	out, err := s.read(ctx, c, "getOwners")
	if err != nil {
		return nil, err
	}
	owners, ok := firstOf[[]common.Address](out)
	if !ok {
		return nil, xerrors.New(xerrors.CodeEncoding, "getOwners returned unexpected output")
	}
	return owners, nil
}

// TransactionHash asks the contract for the safeTxHash of p.
func (s *Safe) TransactionHash(ctx context.Context, c Caller, p ExecParams) (common.Hash, error) {
	call, err := s.TransactionHashCall(p)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := s.invoke(ctx, c, call, web3.CallMsg{To: s.address, Data: call.Data()})
	if err != nil {
		return common.Hash{}, err
	}
	hash, ok := firstOf[[32]byte](out)
	if !ok {
		return common.Hash{}, xerrors.New(xerrors.CodeEncoding, "getTransactionHash returned unexpected output")
	}
	return common.Hash(hash), nil
}

// RequiredTxGas runs the revert-decode estimation with the given gas budget
// (0 lets the node pick).
func (s *Safe) RequiredTxGas(ctx context.Context, c Caller, p ExecParams, gas uint64) (*big.Int, error) {
	msg, call, err := s.RequiredTxGasMsg(p, gas)
	if err != nil {
		return nil, err
	}
	out, err := s.invoke(ctx, c, call, msg)
	if err != nil {
		return nil, err
	}
	return asBig(out, "requiredTxGas")
}

// ExecutionOutcome scans receipt for the Safe's execution events.
func (s *Safe) ExecutionOutcome(receipt *types.Receipt) (Outcome, error) {
	if receipt == nil {
		return Outcome{}, nil
	}
	successID, _ := s.schema.EventID("ExecutionSuccess")
	failureID, _ := s.schema.EventID("ExecutionFailure")
	for _, log := range receipt.Logs {
		if log == nil || log.Address != s.address || len(log.Topics) == 0 {
			continue
		}
		var name string
		switch log.Topics[0] {
		case successID:
			name = "ExecutionSuccess"
		case failureID:
			name = "ExecutionFailure"
		default:
			continue
		}
		out, err := s.schema.UnpackEvent(name, log.Data)
		if err != nil {
			return Outcome{}, err
		}
		if len(out) != 2 {
			return Outcome{}, xerrors.New(xerrors.CodeEncoding, fmt.Sprintf("%s has %d fields", name, len(out)))
		}
		hash, _ := out[0].([32]byte)
		payment, _ := out[1].(*big.Int)
		return Outcome{Found: true, Success: name == "ExecutionSuccess", SafeTxHash: hash, Payment: payment}, nil
	}
	return Outcome{}, nil
}

func (s *Safe) read(ctx context.Context, c Caller, method string) ([]any, error) {
	call, err := s.schema.Describe(method)
	if err != nil {
		return nil, err
	}
	return s.invoke(ctx, c, call, web3.CallMsg{To: s.address, Data: call.Data()})
}

func (s *Safe) invoke(ctx context.Context, c Caller, call Call, msg web3.CallMsg) ([]any, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "contract caller is nil")
	}
	ret, err := c.Call(ctx, msg)
	return s.schema.Decode(call, ret, err)
}

func asBig(out []any, method string) (*big.Int, error) {
	n, ok := firstOf[*big.Int](out)
	if !ok || n == nil {
		return nil, xerrors.New(xerrors.CodeEncoding, method+" returned unexpected output")
	}
	return n, nil
}

func firstOf[T any](out []any) (T, bool) {
	var zero T
	if len(out) == 0 {
		return zero, false
	}
	v, ok := out[0].(T)
	return v, ok
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
