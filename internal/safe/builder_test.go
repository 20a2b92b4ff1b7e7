package safe

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe/contract"
	"SafeTx-Relay/internal/safe/gas"
	"SafeTx-Relay/internal/safe/multisig"
	"SafeTx-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var safeABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contract.SafeABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

type submitted struct {
	tx   *types.Transaction
	args []any
}

// fakeChain plays the Safe contract and the node behind web3.RelayClient.
type fakeChain struct {
	mu sync.Mutex

	chainID     *big.Int
	safeNonces  []int64
	nonceReads  int
	required    uint64
	estimates   int
	onChainHash *common.Hash
	owners      []common.Address
	threshold   int64

	receiptStatus uint64
	innerFails    bool
	submitErr     error
	sent          []submitted
	execRevert    error
	replays       []web3.CallMsg
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:       big.NewInt(1337),
		safeNonces:    []int64{5},
		required:      42000,
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) selfReport() []byte {
	payload := []byte{0x08, 0xc3, 0x79, 0xa0}
	payload = append(payload, common.LeftPadBytes([]byte{0x20}, 32)...)
	payload = append(payload, common.LeftPadBytes([]byte{0x20}, 32)...)
	return append(payload, common.LeftPadBytes(new(big.Int).SetUint64(f.required).Bytes(), 32)...)
}

func (f *fakeChain) currentNonce() int64 {
	idx := f.nonceReads
	if idx >= len(f.safeNonces) {
		idx = len(f.safeNonces) - 1
	}
	return f.safeNonces[idx]
}

func (f *fakeChain) Call(_ context.Context, msg web3.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, err := safeABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "requiredTxGas":
		f.estimates++
		return nil, &web3.RevertError{Payload: f.selfReport()}
	case "nonce":
		n := f.currentNonce()
		f.nonceReads++
		return method.Outputs.Pack(big.NewInt(n))
	case "getTransactionHash":
		if f.onChainHash != nil {
			return method.Outputs.Pack([32]byte(*f.onChainHash))
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		tx := Transaction{
			To:             args[0].(common.Address),
			Value:          args[1].(*big.Int),
			Data:           args[2].([]byte),
			Operation:      Operation(args[3].(uint8)),
			SafeTxGas:      args[4].(*big.Int),
			BaseGas:        args[5].(*big.Int),
			GasPrice:       args[6].(*big.Int),
			GasToken:       args[7].(common.Address),
			RefundReceiver: args[8].(common.Address),
			Nonce:          args[9].(*big.Int),
		}
		hash, err := tx.Hash(msg.To, f.chainID)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack([32]byte(hash))
	case "execTransaction":
		f.replays = append(f.replays, msg)
		if f.execRevert != nil {
			return nil, f.execRevert
		}
		return method.Outputs.Pack(true)
	case "getOwners":
		return method.Outputs.Pack(f.owners)
	case "getThreshold":
		return method.Outputs.Pack(big.NewInt(f.threshold))
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func (f *fakeChain) Nonce(context.Context, common.Address) (uint64, error) {
	return 9, nil
}

func (f *fakeChain) Submit(_ context.Context, raw []byte) (*web3.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	args, err := safeABI.Methods["execTransaction"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return nil, err
	}
	f.sent = append(f.sent, submitted{tx: tx, args: args})
	if f.submitErr != nil {
		return &web3.SubmitResult{TxHash: tx.Hash()}, f.submitErr
	}

	event := "ExecutionSuccess"
	if f.innerFails {
		event = "ExecutionFailure"
	}
	data, err := safeABI.Events[event].Inputs.Pack([32]byte{0x01}, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	receipt := &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(77),
		Logs: []*types.Log{{
			Address: *tx.To(),
			Topics:  []common.Hash{safeABI.Events[event].ID},
			Data:    data,
		}},
	}
	return &web3.SubmitResult{TxHash: tx.Hash(), Receipt: receipt, Confirmations: 1}, nil
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(2_000_000_000), nil }

func (f *fakeChain) EstimateGas(context.Context, web3.CallMsg) (uint64, error) { return 90000, nil }

type fixture struct {
	chain   *fakeChain
	signers []*multisig.KeySigner
	relayer *KeyRelayer
	cfg     Config
}

func newFixture(t *testing.T, owners int) *fixture {
	t.Helper()
	f := &fixture{chain: newFakeChain()}
	for i := 0; i < owners; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		f.signers = append(f.signers, multisig.NewKeySigner(key))
		f.chain.owners = append(f.chain.owners, f.signers[i].Address())
	}
	f.chain.threshold = int64(owners)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.relayer = NewKeyRelayer(key)

	signers := make([]multisig.Signer, len(f.signers))
	for i, s := range f.signers {
		signers[i] = s
	}
	f.cfg = Config{Signers: signers, Relayer: f.relayer, DomainChainID: true}
	return f
}

func (f *fixture) builder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(f.chain, testSafeAddress, f.cfg)
	require.NoError(t, err)
	return b
}

func TestBuildRelaysAndConfirms(t *testing.T) {
	f := newFixture(t, 2)
	b := f.builder(t)

	res, err := b.Build(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, Confirmed, res.State)
	require.Equal(t, Confirmed, b.State())

	dataGas := gas.DataGasCostBytes(res.Transaction.Data)
	require.Equal(t, uint64(42000+gas.DefaultSafetyMargin)+dataGas+gas.TxBaseGas, res.Estimate.SafeTxGas)
	require.Equal(t, int64(5), res.Transaction.Nonce.Int64())

	digest, err := res.Transaction.Hash(testSafeAddress, f.chain.chainID)
	require.NoError(t, err)
	require.Equal(t, digest, res.SafeTxHash)

	require.Len(t, f.chain.sent, 1)
	sent := f.chain.sent[0]
	require.Equal(t, testSafeAddress, *sent.tx.To())
	require.Equal(t, uint64(9), sent.tx.Nonce())
	require.Equal(t, big.NewInt(2_000_000_000), sent.tx.GasPrice())
	require.Equal(t, res.TxHash, sent.tx.Hash())

	sender, err := types.Sender(types.LatestSignerForChainID(f.chain.chainID), sent.tx)
	require.NoError(t, err)
	require.Equal(t, f.relayer.Address(), sender)

	signatures := sent.args[9].([]byte)
	require.Len(t, signatures, 2*multisig.SignatureLength)
	var previous common.Address
	for i := 0; i < 2; i++ {
		signer, err := multisig.Recover(digest, signatures[i*65:(i+1)*65])
		require.NoError(t, err)
		require.Contains(t, f.chain.owners, signer)
		require.Positive(t, signer.Cmp(previous))
		previous = signer
	}
	require.Equal(t, new(big.Int).SetUint64(res.Estimate.SafeTxGas), sent.args[4])
	require.Equal(t, new(big.Int).SetUint64(res.Estimate.BaseGas), sent.args[5])
}

func TestPrepareStopsAtSigned(t *testing.T) {
	f := newFixture(t, 1)
	res, err := f.builder(t).Prepare(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, Signed, res.State)
	require.Equal(t, 1, res.Signatures.Len())
	require.Empty(t, f.chain.sent)
}

func TestValidationFailureIsTaggedAndNeverSends(t *testing.T) {
	f := newFixture(t, 1)
	req := validRequest()
	req.Data = "a9059cbb"
	res, err := f.builder(t).Build(context.Background(), req)
	require.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	require.Equal(t, StageValidate, xerrors.StageOf(err))
	require.False(t, xerrors.SentError(err))
	require.Equal(t, Failed, res.State)
	require.Zero(t, f.chain.estimates)
	require.Empty(t, f.chain.sent)
}

func TestNonceDriftTriggersReestimation(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.safeNonces = []int64{5, 6, 6, 6}

	res, err := f.builder(t).Build(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, 1, res.Reestimates)
	require.Equal(t, 2, f.chain.estimates)
	require.Equal(t, int64(6), res.Transaction.Nonce.Int64())
}

func TestNonceThatKeepsMovingFails(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.safeNonces = []int64{1, 2, 3, 4, 5, 6, 7, 8}

	_, err := f.builder(t).Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	require.Equal(t, StageNonce, xerrors.StageOf(err))
	require.True(t, xerrors.RetryableError(err))
	require.Equal(t, DefaultMaxReestimates+1, f.chain.estimates)
	require.Empty(t, f.chain.sent)
}

func TestCallerNonceMustMatchChain(t *testing.T) {
	f := newFixture(t, 1)
	req := validRequest()
	req.Nonce = "3"
	_, err := f.builder(t).Build(context.Background(), req)
	require.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	require.Equal(t, StageNonce, xerrors.StageOf(err))
	require.Equal(t, "nonce", xerrors.MetadataOf(err)["field"])
}

func TestProvidedGasSkipsProbing(t *testing.T) {
	f := newFixture(t, 1)
	req := validRequest()
	req.SafeTxGas = "70000"
	req.BaseGas = "30000"
	res, err := f.builder(t).Prepare(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, f.chain.estimates)
	require.Equal(t, gas.StrategyProvided, res.Estimate.Strategy)
	require.Equal(t, "70000", res.Transaction.SafeTxGas.String())
}

func TestExecutionFailureIsRelayError(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.innerFails = true
	b := f.builder(t)

	res, err := b.Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeRelay, xerrors.CodeOf(err))
	require.Equal(t, StageConfirm, xerrors.StageOf(err))
	require.True(t, xerrors.SentError(err))
	require.False(t, xerrors.RetryableError(err))
	require.Equal(t, Failed, res.State)
	require.Equal(t, Failed, b.State())
	require.True(t, res.Outcome.Found)
	require.False(t, res.Outcome.Success)
}

func TestRevertedReceiptIsRelayError(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.receiptStatus = types.ReceiptStatusFailed
	_, err := f.builder(t).Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeRelay, xerrors.CodeOf(err))
	require.Equal(t, StageConfirm, xerrors.StageOf(err))
	require.NotContains(t, xerrors.MetadataOf(err), "revert_reason")
}

func TestRevertedReceiptCarriesReplayedReason(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.receiptStatus = types.ReceiptStatusFailed
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack("GS013")
	require.NoError(t, err)
	payload := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	f.chain.execRevert = &web3.RevertError{Payload: payload}

	_, err = f.builder(t).Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeRelay, xerrors.CodeOf(err))
	require.True(t, xerrors.SentError(err))
	meta := xerrors.MetadataOf(err)
	require.Equal(t, "GS013", meta["revert_reason"])
	require.True(t, strings.HasPrefix(meta["revert_data"], "0x08c379a0"))

	require.Len(t, f.chain.replays, 1)
	replay := f.chain.replays[0]
	require.Equal(t, f.relayer.Address(), replay.From)
	require.Equal(t, testSafeAddress, replay.To)
	require.Equal(t, big.NewInt(77), replay.Block)
	require.Equal(t, f.chain.sent[0].tx.Data(), replay.Data)
}

func TestGasLimitRejectsOutOfRangeEstimate(t *testing.T) {
	f := newFixture(t, 1)
	b := f.builder(t)

	_, err := b.gasLimit(context.Background(), gas.Estimate{SafeTxGas: ^uint64(0) - 100}, f.relayer.Address(), nil)
	require.Equal(t, xerrors.CodeEstimation, xerrors.CodeOf(err))
	require.False(t, xerrors.SentError(err))

	limit, err := b.gasLimit(context.Background(), gas.Estimate{SafeTxGas: MaxGasAmount, BaseGas: MaxGasAmount}, f.relayer.Address(), nil)
	require.NoError(t, err)
	require.Greater(t, limit, uint64(2*MaxGasAmount))
}

func TestSubmitTimeoutIsRelabelled(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.submitErr = web3.ErrConfirmationTimeout
	res, err := f.builder(t).Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeRelayTimeout, xerrors.CodeOf(err))
	require.Equal(t, StageRelay, xerrors.StageOf(err))
	require.True(t, xerrors.SentError(err))
	require.Equal(t, res.TxHash.Hex(), xerrors.MetadataOf(err)["tx_hash"])
}

func TestLadderExhaustionNeverSends(t *testing.T) {
	f := newFixture(t, 1)
	broken := callerOnly(func(context.Context, web3.CallMsg) ([]byte, error) {
		return nil, errors.New("out of gas")
	})
	estimator := gas.NewEstimator(broken, gas.Config{Strategy: gas.StrategyLadder})
	b, err := NewBuilder(f.chain, testSafeAddress, f.cfg, WithEstimator(estimator))
	require.NoError(t, err)

	res, err := b.Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeEstimation, xerrors.CodeOf(err))
	require.Equal(t, StageEstimate, xerrors.StageOf(err))
	require.Equal(t, Failed, res.State)
	require.Empty(t, f.chain.sent)
}

func TestOnChainHashMismatch(t *testing.T) {
	f := newFixture(t, 1)
	junk := common.HexToHash("0xbad")
	f.chain.onChainHash = &junk
	f.cfg.VerifyOnChain = true

	_, err := f.builder(t).Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeSchema, xerrors.CodeOf(err))
	require.Equal(t, StageHash, xerrors.StageOf(err))
}

func TestOnChainVerificationPasses(t *testing.T) {
	f := newFixture(t, 2)
	f.cfg.VerifyOnChain = true
	res, err := f.builder(t).Prepare(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, Signed, res.State)
}

func TestSignerOutsideOwnersIsRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.chain.owners = f.chain.owners[:1]
	f.chain.threshold = 1
	f.cfg.VerifyOnChain = true

	_, err := f.builder(t).Prepare(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeSigningUnsupported, xerrors.CodeOf(err))
	require.Equal(t, StageSign, xerrors.StageOf(err))
	require.Equal(t, f.signers[1].Address().Hex(), xerrors.MetadataOf(err)["signer"])
}

func TestBelowThresholdIsRejected(t *testing.T) {
	f := newFixture(t, 1)
	f.chain.threshold = 2
	f.cfg.VerifyOnChain = true

	_, err := f.builder(t).Prepare(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeSigningUnsupported, xerrors.CodeOf(err))
}

func TestTransactorOwnerCannotSign(t *testing.T) {
	f := newFixture(t, 1)
	f.cfg.Signers = append(f.cfg.Signers, multisig.NewTransactorSigner(&bind.TransactOpts{From: common.HexToAddress("0x01")}))
	_, err := f.builder(t).Build(context.Background(), validRequest())
	require.Equal(t, xerrors.CodeSigningUnsupported, xerrors.CodeOf(err))
	require.Equal(t, StageSign, xerrors.StageOf(err))
	require.Empty(t, f.chain.sent)
}

type callerOnly func(ctx context.Context, msg web3.CallMsg) ([]byte, error)

func (c callerOnly) Call(ctx context.Context, msg web3.CallMsg) ([]byte, error) { return c(ctx, msg) }
