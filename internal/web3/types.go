package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ErrConfirmationTimeout is returned by Submit when the transaction was
// broadcast but the receipt or the requested confirmations did not arrive in
// time.
var ErrConfirmationTimeout = errors.New("timed out waiting for confirmations")

// CallMsg describes a read-only eth_call. A nil Block targets the latest
// block.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Gas   uint64
	Value *big.Int
	Data  []byte
	Block *big.Int
}

// CallResult is one element of a batched call.
type CallResult struct {
	Data []byte
	Err  error
}

// RevertError carries the raw payload of a reverted call so callers can
// decode self-reported values or reasons.
type RevertError struct {
	Payload []byte
	Reason  string
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return "execution reverted: " + e.Reason
	}
	if len(e.Payload) > 0 {
		return fmt.Sprintf("execution reverted (data %s)", hexutil.Encode(e.Payload))
	}
	return "execution reverted"
}

// AsRevert extracts a RevertError from err.
func AsRevert(err error) (*RevertError, bool) {
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert, true
	}
	return nil, false
}

// SubmitResult summarises a broadcast transaction.
type SubmitResult struct {
	TxHash        common.Hash
	Receipt       *types.Receipt
	Confirmations uint64
}

// RelayClient is the chain collaborator of the Safe transaction engine.
// Connection management, timeouts and retries live behind it.
type RelayClient interface {
	Submit(ctx context.Context, raw []byte) (*SubmitResult, error)
	Nonce(ctx context.Context, account common.Address) (uint64, error)
	Call(ctx context.Context, msg CallMsg) ([]byte, error)
}

// BatchCaller issues several calls in a single round trip. Results are
// returned in request order.
type BatchCaller interface {
	CallBatch(ctx context.Context, msgs []CallMsg) []CallResult
}

// FeeOracle provides the values needed to price and sign the outer
// transaction.
type FeeOracle interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
}

// Client is the full capability set exposed by concrete chain clients.
type Client interface {
	RelayClient
	BatchCaller
	FeeOracle
	Close()
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}
