package task

import (
	"context"
	"errors"
	"math/big"
	"testing"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe"
	"SafeTx-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// idleClient fails every chain call; the tests below stop before any is made.
type idleClient struct{}

func (idleClient) Submit(context.Context, []byte) (*web3.SubmitResult, error) {
	return nil, errors.New("unexpected submit")
}
func (idleClient) Nonce(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("unexpected nonce")
}
func (idleClient) Call(context.Context, web3.CallMsg) ([]byte, error) {
	return nil, errors.New("unexpected call")
}
func (idleClient) CallBatch(_ context.Context, msgs []web3.CallMsg) []web3.CallResult {
	return make([]web3.CallResult, len(msgs))
}
func (idleClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }
func (idleClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (idleClient) EstimateGas(context.Context, web3.CallMsg) (uint64, error) { return 21000, nil }
func (idleClient) Close()                                                   {}

type clientResolver struct{ err error }

func (r clientResolver) Resolve(string) (web3.Client, error) {
	if r.err != nil {
		return nil, r.err
	}
	return idleClient{}, nil
}

func TestBuilderExecutorRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	executor := NewBuilderExecutor(clientResolver{}, safe.Config{})

	_, err := executor.Execute(ctx, &Job{ID: "j", Safe: "0x123", Request: validRequest()})
	require.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	require.False(t, xerrors.SentError(err))

	bad := validRequest()
	bad.Data = "deadbeef"
	res, err := executor.Execute(ctx, &Job{ID: "j", Safe: safeA, Request: bad})
	require.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	require.Equal(t, safe.StageValidate, xerrors.StageOf(err))
	require.True(t, res.Empty())

	failing := NewBuilderExecutor(clientResolver{err: errors.New("unknown chain")}, safe.Config{})
	_, err = failing.Execute(ctx, &Job{ID: "j", Safe: safeA, Request: validRequest()})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	require.False(t, xerrors.RetryableError(err))
}

func TestToRelayResult(t *testing.T) {
	require.Nil(t, toRelayResult(nil))

	res := &safe.Result{
		SafeTxHash:    common.HexToHash("0x01"),
		TxHash:        common.HexToHash("0x02"),
		Confirmations: 3,
		Receipt:       &types.Receipt{BlockNumber: big.NewInt(42), GasUsed: 90000},
	}
	res.Transaction.Nonce = big.NewInt(7)
	res.Estimate.SafeTxGas = 60000
	res.Estimate.BaseGas = 40000
	res.Estimate.Strategy = "revert"
	res.Outcome.Found = true
	res.Outcome.Payment = big.NewInt(5)

	out := toRelayResult(res)
	require.Equal(t, res.SafeTxHash.Hex(), out.SafeTxHash)
	require.Equal(t, res.TxHash.Hex(), out.TxHash)
	require.Equal(t, "7", out.Nonce)
	require.Equal(t, uint64(42), out.BlockNumber)
	require.Equal(t, uint64(90000), out.GasUsed)
	require.Equal(t, uint64(3), out.Confirmations)
	require.Equal(t, uint64(60000), out.SafeTxGas)
	require.Equal(t, "revert", out.GasStrategy)
	require.Equal(t, "5", out.Payment)
}
