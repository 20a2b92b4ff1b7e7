package safe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/observability/metrics"
	"SafeTx-Relay/internal/safe/contract"
	"SafeTx-Relay/internal/safe/eip712"
	"SafeTx-Relay/internal/safe/gas"
	"SafeTx-Relay/internal/safe/multisig"
	"SafeTx-Relay/internal/web3"
	"SafeTx-Relay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultMaxReestimates bounds how often a nonce move restarts estimation.
const DefaultMaxReestimates = 2

// Config is injected into every builder; nothing is read from globals.
type Config struct {
	// ChainID overrides the value reported by the client.
	ChainID *big.Int
	// DomainChainID adds chainId to the EIP-712 domain (Safe >= 1.3.0).
	DomainChainID bool
	Gas           gas.Config
	Signers       []multisig.Signer
	Relayer       Relayer
	// RelayGasPrice prices the outer transaction when the client has no
	// fee oracle.
	RelayGasPrice  *big.Int
	MaxReestimates int
	// VerifyOnChain compares the local digest with getTransactionHash and
	// checks signers against getOwners / getThreshold.
	VerifyOnChain bool
}

func (c Config) withDefaults() Config {
	if c.MaxReestimates == 0 {
		c.MaxReestimates = DefaultMaxReestimates
	}
	if c.MaxReestimates < 0 {
		c.MaxReestimates = 0
	}
	return c
}

// Result accumulates what each stage produced. On failure it holds the
// output of every completed stage.
type Result struct {
	State          State
	Safe           common.Address
	Transaction    Transaction
	Estimate       gas.Estimate
	TypedData      *eip712.TypedData
	SafeTxHash     common.Hash
	Signatures     multisig.SignatureSet
	RawTransaction []byte
	TxHash         common.Hash
	Receipt        *types.Receipt
	Confirmations  uint64
	Outcome        contract.Outcome
	Reestimates    int
}

// Builder drives one Safe transaction at a time from Draft to Confirmed.
// Serialising builders that share a Safe is up to the caller.
type Builder struct {
	client    web3.RelayClient
	safe      *contract.Safe
	cfg       Config
	estimator *gas.Estimator
	life      lifecycle
	chainID   *big.Int
	logger    *slog.Logger
}

// Option customises a Builder.
type Option func(*Builder)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithEstimator replaces the estimator built from Config.Gas.
func WithEstimator(e *gas.Estimator) Option {
	return func(b *Builder) {
		if e != nil {
			b.estimator = e
		}
	}
}

// NewBuilder binds a builder to the Safe at safeAddress.
func NewBuilder(client web3.RelayClient, safeAddress common.Address, cfg Config, opts ...Option) (*Builder, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "relay client is nil")
	}
	if safeAddress == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "safe address is empty")
	}
	cfg = cfg.withDefaults()
	b := &Builder{
		client: client,
		safe:   contract.NewSafe(safeAddress),
		cfg:    cfg,
		logger: logger.Named("safe"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.estimator == nil {
		b.estimator = gas.NewEstimator(client, cfg.Gas, gas.WithLogger(b.logger))
	}
	return b, nil
}

// State reports the pipeline position of the current or last run.
func (b *Builder) State() State {
	return b.life.current()
}

// Safe returns the bound Safe address.
func (b *Builder) Safe() common.Address {
	return b.safe.Address()
}

// Prepare runs Validated through Signed without broadcasting.
func (b *Builder) Prepare(ctx context.Context, req Request) (*Result, error) {
	if err := b.life.begin(); err != nil {
		return nil, err
	}
	defer b.life.end()
	return b.prepare(ctx, req)
}

// Build runs the whole pipeline and returns the confirmed result. Every
// error is tagged with the stage that produced it.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	if err := b.life.begin(); err != nil {
		return nil, err
	}
	defer b.life.end()

	res, err := b.prepare(ctx, req)
	if err != nil {
		return res, err
	}
	if err := b.stage(res, StageRelay, func() error { return b.relay(ctx, res) }); err != nil {
		return res, err
	}
	b.advance(res, Relayed)
	if err := b.stage(res, StageConfirm, func() error { return b.confirm(ctx, res) }); err != nil {
		return res, err
	}
	b.advance(res, Confirmed)
	metrics.ObserveRelay(Confirmed.String())
	logger.Audit().Info("safe transaction confirmed",
		slog.String("safe", res.Safe.Hex()),
		slog.String("safe_tx_hash", res.SafeTxHash.Hex()),
		slog.String("tx_hash", res.TxHash.Hex()),
		slog.Uint64("confirmations", res.Confirmations))
	return res, nil
}

func (b *Builder) prepare(ctx context.Context, req Request) (*Result, error) {
	res := &Result{State: Draft, Safe: b.safe.Address()}

	var validated Transaction
	if err := b.stage(res, StageValidate, func() error {
		tx, err := Validate(req)
		if err != nil {
			return xerrors.Tag(err, xerrors.CodeValidation, StageValidate)
		}
		validated = tx
		return nil
	}); err != nil {
		return res, err
	}
	b.advance(res, Validated)

	for attempt := 0; ; attempt++ {
		res.Reestimates = attempt
		tx := validated.Clone()

		var est gas.Estimate
		if err := b.stage(res, StageEstimate, func() error {
			var err error
			est, err = b.estimate(ctx, tx)
			return err
		}); err != nil {
			return res, err
		}
		tx = tx.WithGas(est.SafeTxGas, est.BaseGas)
		res.Estimate = est
		res.Transaction = tx
		b.advance(res, GasEstimated)

		var nonce *big.Int
		if err := b.stage(res, StageNonce, func() error {
			var err error
			nonce, err = b.readNonce(ctx)
			if err != nil {
				return err
			}
			if validated.Nonce != nil && validated.Nonce.Cmp(nonce) != 0 {
				return xerrors.New(xerrors.CodeValidation,
					fmt.Sprintf("nonce %s does not match safe nonce %s", validated.Nonce, nonce),
					xerrors.WithStage(StageNonce), xerrors.WithMetadata("field", "nonce"))
			}
			return nil
		}); err != nil {
			return res, err
		}
		tx = tx.WithNonce(nonce)
		res.Transaction = tx
		b.advance(res, Nonced)

		if err := b.stage(res, StageHash, func() error { return b.hash(ctx, res) }); err != nil {
			return res, err
		}
		b.advance(res, Hashed)

		var moved bool
		if err := b.stage(res, StageNonce, func() error {
			current, err := b.readNonce(ctx)
			if err != nil {
				return err
			}
			if current.Cmp(nonce) == 0 {
				return nil
			}
			if attempt >= b.cfg.MaxReestimates {
				return xerrors.New(xerrors.CodeConflict,
					fmt.Sprintf("safe nonce kept moving (%s -> %s)", nonce, current),
					xerrors.WithStage(StageNonce), xerrors.WithRetryable(true))
			}
			moved = true
			b.logger.Info("safe nonce moved before signing, re-estimating",
				slog.String("safe", res.Safe.Hex()),
				slog.String("estimated_at", nonce.String()),
				slog.String("current", current.String()))
			return nil
		}); err != nil {
			return res, err
		}
		if moved {
			b.life.rewind(Validated)
			res.State = Validated
			continue
		}

		if err := b.stage(res, StageSign, func() error { return b.sign(ctx, res) }); err != nil {
			return res, err
		}
		b.advance(res, Signed)
		return res, nil
	}
}

func (b *Builder) estimate(ctx context.Context, tx Transaction) (gas.Estimate, error) {
	sigCount := len(b.cfg.Signers)
	if tx.SafeTxGas != nil && tx.BaseGas != nil {
		if !tx.SafeTxGas.IsUint64() || !tx.BaseGas.IsUint64() {
			return gas.Estimate{}, xerrors.New(xerrors.CodeValidation, "provided gas exceeds 64 bits",
				xerrors.WithStage(StageEstimate))
		}
		return gas.Estimate{
			SafeTxGas:    tx.SafeTxGas.Uint64(),
			BaseGas:      tx.BaseGas.Uint64(),
			DataGas:      gas.DataGasCostBytes(tx.Data),
			SignatureGas: gas.SignatureGasCost(sigCount),
			Strategy:     gas.StrategyProvided,
		}, nil
	}
	if tx.SafeTxGas != nil {
		if !tx.SafeTxGas.IsUint64() {
			return gas.Estimate{}, xerrors.New(xerrors.CodeValidation, "provided safeTxGas exceeds 64 bits",
				xerrors.WithStage(StageEstimate))
		}
		baseGas, err := b.estimator.BaseGas(b.safe, tx.Params(), sigCount)
		if err != nil {
			return gas.Estimate{}, xerrors.Tag(err, xerrors.CodeEncoding, StageEstimate)
		}
		return gas.Estimate{
			SafeTxGas:    tx.SafeTxGas.Uint64(),
			BaseGas:      baseGas,
			DataGas:      gas.DataGasCostBytes(tx.Data),
			SignatureGas: gas.SignatureGasCost(sigCount),
			Strategy:     gas.StrategyProvided,
		}, nil
	}

	est, err := b.estimator.Estimate(ctx, b.safe, tx.Params(), sigCount)
	if err != nil {
		return gas.Estimate{}, xerrors.Tag(err, xerrors.CodeEstimation, StageEstimate)
	}
	if est.Failed {
		return est, xerrors.New(xerrors.CodeEstimation, "no gas ladder rung succeeded",
			xerrors.WithStage(StageEstimate))
	}
	if tx.BaseGas != nil && tx.BaseGas.IsUint64() {
		est.BaseGas = tx.BaseGas.Uint64()
	}
	return est, nil
}

func (b *Builder) readNonce(ctx context.Context) (*big.Int, error) {
	nonce, err := b.safe.Nonce(ctx, b.client)
	if err != nil {
		return nil, collaboratorError(StageNonce, err, "read safe nonce")
	}
	return nonce, nil
}

func (b *Builder) hash(ctx context.Context, res *Result) error {
	var domainChain *big.Int
	if b.cfg.DomainChainID {
		id, err := b.resolveChainID(ctx)
		if err != nil {
			return collaboratorError(StageHash, err, "resolve chain id")
		}
		domainChain = id
	}
	doc := res.Transaction.TypedData(res.Safe, domainChain)
	digest, err := doc.Hash()
	if err != nil {
		return xerrors.Tag(err, xerrors.CodeEncoding, StageHash)
	}
	if b.cfg.VerifyOnChain {
		onChain, err := b.safe.TransactionHash(ctx, b.client, res.Transaction.Params())
		if err != nil {
			return collaboratorError(StageHash, err, "read getTransactionHash")
		}
		if onChain != digest {
			return xerrors.New(xerrors.CodeSchema,
				fmt.Sprintf("local digest %s differs from contract hash %s", digest.Hex(), onChain.Hex()),
				xerrors.WithStage(StageHash))
		}
	}
	res.TypedData = doc
	res.SafeTxHash = digest
	return nil
}

func (b *Builder) sign(ctx context.Context, res *Result) error {
	if b.cfg.VerifyOnChain {
		if err := b.checkOwners(ctx); err != nil {
			return err
		}
	}
	set, err := multisig.Aggregate(ctx, res.TypedData, res.SafeTxHash, b.cfg.Signers)
	if err != nil {
		return xerrors.Tag(err, xerrors.CodeSigningUnsupported, StageSign)
	}
	res.Signatures = set
	return nil
}

func (b *Builder) checkOwners(ctx context.Context) error {
	owners, err := b.safe.Owners(ctx, b.client)
	if err != nil {
		return collaboratorError(StageSign, err, "read safe owners")
	}
	threshold, err := b.safe.Threshold(ctx, b.client)
	if err != nil {
		return collaboratorError(StageSign, err, "read safe threshold")
	}
	known := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		known[owner] = struct{}{}
	}
	for _, signer := range b.cfg.Signers {
		if _, ok := known[signer.Address()]; !ok {
			return xerrors.New(xerrors.CodeSigningUnsupported,
				fmt.Sprintf("%s is not an owner of the safe", signer.Address().Hex()),
				xerrors.WithStage(StageSign), xerrors.WithMetadata("signer", signer.Address().Hex()))
		}
	}
	if big.NewInt(int64(len(b.cfg.Signers))).Cmp(threshold) < 0 {
		return xerrors.New(xerrors.CodeSigningUnsupported,
			fmt.Sprintf("%d signers configured, threshold is %s", len(b.cfg.Signers), threshold),
			xerrors.WithStage(StageSign))
	}
	return nil
}

func (b *Builder) relay(ctx context.Context, res *Result) error {
	if b.cfg.Relayer == nil {
		return notSent(xerrors.New(xerrors.CodeInitializationFailure, "no relayer configured"))
	}
	params := res.Transaction.Params()
	params.Signatures = res.Signatures.Bytes()
	call, err := b.safe.ExecTransaction(params)
	if err != nil {
		return notSent(err)
	}
	chainID, err := b.resolveChainID(ctx)
	if err != nil {
		return notSent(err)
	}
	from := b.cfg.Relayer.Address()
	nonce, err := b.client.Nonce(ctx, from)
	if err != nil {
		return notSent(fmt.Errorf("read relayer nonce: %w", err))
	}
	gasPrice, err := b.gasPrice(ctx)
	if err != nil {
		return notSent(err)
	}
	gasLimit, err := b.gasLimit(ctx, res.Estimate, from, call.Data())
	if err != nil {
		return err
	}

	to := res.Safe
	outer := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    new(big.Int),
		Data:     call.Data(),
	})
	signed, err := b.cfg.Relayer.SignTx(ctx, outer, chainID)
	if err != nil {
		return notSent(fmt.Errorf("sign outer transaction: %w", err))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return notSent(fmt.Errorf("encode outer transaction: %w", err))
	}
	res.RawTransaction = raw
	res.TxHash = signed.Hash()

	logger.Audit().Info("relaying safe transaction",
		slog.String("safe", res.Safe.Hex()),
		slog.String("safe_tx_hash", res.SafeTxHash.Hex()),
		slog.String("tx_hash", res.TxHash.Hex()),
		slog.String("relayer", from.Hex()),
		slog.Uint64("gas_limit", gasLimit),
		slog.String("gas_price", gasPrice.String()))

	submitted, err := b.client.Submit(ctx, raw)
	if submitted != nil {
		if submitted.TxHash != (common.Hash{}) {
			res.TxHash = submitted.TxHash
		}
		res.Receipt = submitted.Receipt
		res.Confirmations = submitted.Confirmations
	}
	if err != nil {
		return collaboratorError(StageRelay, err, "submit execTransaction",
			xerrors.WithMetadata("tx_hash", res.TxHash.Hex()))
	}
	return nil
}

func (b *Builder) confirm(ctx context.Context, res *Result) error {
	receipt := res.Receipt
	if receipt == nil {
		return xerrors.New(xerrors.CodeRelayTimeout, "relay client returned no receipt",
			xerrors.WithStage(StageConfirm), xerrors.WithMetadata("tx_hash", res.TxHash.Hex()))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		opts := []xerrors.Option{xerrors.WithStage(StageConfirm), xerrors.WithMetadata("tx_hash", res.TxHash.Hex())}
		opts = append(opts, b.replayRevert(ctx, res)...)
		return xerrors.New(xerrors.CodeRelay, "execTransaction reverted on chain", opts...)
	}
	outcome, err := b.safe.ExecutionOutcome(receipt)
	if err != nil {
		return xerrors.Tag(err, xerrors.CodeRelay, StageConfirm)
	}
	res.Outcome = outcome
	if !outcome.Found {
		return nil
	}
	if outcome.SafeTxHash != res.SafeTxHash {
		b.logger.Warn("execution event hash differs from signed digest",
			slog.String("event", outcome.SafeTxHash.Hex()),
			slog.String("signed", res.SafeTxHash.Hex()))
	}
	if !outcome.Success {
		payment := "0"
		if outcome.Payment != nil {
			payment = outcome.Payment.String()
		}
		return xerrors.New(xerrors.CodeRelay, "safe inner call failed (ExecutionFailure)",
			xerrors.WithStage(StageConfirm),
			xerrors.WithMetadata("tx_hash", res.TxHash.Hex()),
			xerrors.WithMetadata("safe_tx_hash", outcome.SafeTxHash.Hex()),
			xerrors.WithMetadata("payment", payment))
	}
	return nil
}

// replayRevert re-runs the mined execTransaction as an eth_call at the
// receipt's block to recover the revert payload. Failures only cost the
// metadata.
func (b *Builder) replayRevert(ctx context.Context, res *Result) []xerrors.Option {
	if b.cfg.Relayer == nil || len(res.RawTransaction) == 0 {
		return nil
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(res.RawTransaction); err != nil {
		return nil
	}
	msg := web3.CallMsg{
		From:  b.cfg.Relayer.Address(),
		To:    res.Safe,
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
		Block: res.Receipt.BlockNumber,
	}
	_, err := b.client.Call(ctx, msg)
	if revert, ok := web3.AsRevert(err); ok {
		return revertMetadata(revert)
	}
	if err != nil {
		b.logger.Warn("replay of reverted execTransaction failed",
			slog.String("tx_hash", res.TxHash.Hex()),
			slog.String("error", err.Error()))
	}
	return nil
}

func (b *Builder) resolveChainID(ctx context.Context) (*big.Int, error) {
	if b.cfg.ChainID != nil {
		return b.cfg.ChainID, nil
	}
	if b.chainID != nil {
		return b.chainID, nil
	}
	oracle, ok := b.client.(web3.FeeOracle)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain id not configured and client cannot report it")
	}
	id, err := oracle.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	b.chainID = id
	return id, nil
}

func (b *Builder) gasPrice(ctx context.Context) (*big.Int, error) {
	if oracle, ok := b.client.(web3.FeeOracle); ok {
		price, err := oracle.SuggestGasPrice(ctx)
		if err == nil {
			return price, nil
		}
		if b.cfg.RelayGasPrice == nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		b.logger.Warn("gas price oracle failed, using configured price", slog.String("error", err.Error()))
	}
	if b.cfg.RelayGasPrice == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "no gas price source for the relay transaction")
	}
	return b.cfg.RelayGasPrice, nil
}

// gasLimit covers the Safe's own gasleft() check
// (max(safeTxGas*64/63, safeTxGas+2500) + 500) plus baseGas and the
// intrinsic cost. A node estimate wins when it is larger.
func (b *Builder) gasLimit(ctx context.Context, est gas.Estimate, from common.Address, data []byte) (uint64, error) {
	if est.SafeTxGas > MaxGasAmount || est.BaseGas > MaxGasAmount {
		return 0, xerrors.New(xerrors.CodeEstimation,
			fmt.Sprintf("gas estimate out of range (safeTxGas %d, baseGas %d)", est.SafeTxGas, est.BaseGas),
			xerrors.WithSent(false))
	}
	inner := max(est.SafeTxGas*64/63, est.SafeTxGas+2500) + 500
	limit := inner + est.BaseGas + gas.TxBaseGas

	oracle, ok := b.client.(web3.FeeOracle)
	if !ok {
		return limit, nil
	}
	estimated, err := oracle.EstimateGas(ctx, web3.CallMsg{From: from, To: b.safe.Address(), Data: data})
	if err != nil {
		if revert, reverted := web3.AsRevert(err); reverted {
			return 0, xerrors.Wrap(xerrors.CodeRelay, err, "execTransaction would revert",
				append(revertMetadata(revert), xerrors.WithSent(false))...)
		}
		b.logger.Warn("outer gas estimation failed, using computed limit",
			slog.Uint64("gas_limit", limit), slog.String("error", err.Error()))
		return limit, nil
	}
	return max(limit, estimated), nil
}

// notSent marks a relay stage failure that happened before broadcast.
func notSent(err error) error {
	if _, ok := xerrors.From(err); ok {
		return xerrors.Annotate(err, xerrors.WithSent(false))
	}
	return xerrors.Wrap(xerrors.CodeRelay, err, "prepare relay transaction",
		xerrors.WithSent(false), xerrors.WithRetryable(true))
}

// collaboratorError labels a RelayClient failure: timeouts become
// RELAY_TIMEOUT, anything else RELAY_FAILED. Failures before broadcast stay
// retryable.
func collaboratorError(stage string, err error, msg string, extra ...xerrors.Option) error {
	if e, ok := xerrors.From(err); ok {
		return xerrors.Tag(e, e.Code(), stage)
	}
	code := xerrors.CodeRelay
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, web3.ErrConfirmationTimeout) {
		code = xerrors.CodeRelayTimeout
	}
	opts := []xerrors.Option{xerrors.WithStage(stage)}
	if stage != StageRelay && stage != StageConfirm {
		opts = append(opts, xerrors.WithRetryable(true))
	}
	if revert, ok := web3.AsRevert(err); ok {
		opts = append(opts, revertMetadata(revert)...)
	}
	opts = append(opts, extra...)
	return xerrors.Wrap(code, err, msg, opts...)
}

func revertMetadata(revert *web3.RevertError) []xerrors.Option {
	reason := revert.Reason
	if reason == "" {
		reason = contract.RevertReason(revert.Payload)
	}
	return []xerrors.Option{
		xerrors.WithMetadata("revert_reason", reason),
		xerrors.WithMetadata("revert_data", hexutil.Encode(revert.Payload)),
	}
}

// stage times fn and records failure on the result and lifecycle. Errors
// that carry no stage yet get this one.
func (b *Builder) stage(res *Result, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ObserveStage(name, err, time.Since(start))
	if err == nil {
		return nil
	}
	b.life.fail()
	res.State = Failed
	metrics.ObserveRelay(Failed.String())
	tagged := xerrors.Tag(err, xerrors.CodeUnknown, name)
	b.logger.Warn("safe transaction failed",
		slog.String("safe", res.Safe.Hex()),
		slog.String("stage", tagged.Stage()),
		slog.String("code", string(tagged.Code())),
		slog.String("error", err.Error()))
	if tagged.Sent() {
		logger.Audit().Error("safe transaction failed after broadcast",
			slog.String("safe", res.Safe.Hex()),
			slog.String("safe_tx_hash", res.SafeTxHash.Hex()),
			slog.String("tx_hash", res.TxHash.Hex()),
			slog.String("error", err.Error()))
	}
	return tagged
}

func (b *Builder) advance(res *Result, next State) {
	b.life.advance(next)
	res.State = next
	b.logger.Debug("stage complete", slog.String("safe", res.Safe.Hex()), slog.String("state", next.String()))
}
