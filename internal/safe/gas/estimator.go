package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/observability/metrics"
	"SafeTx-Relay/internal/safe/contract"
	"SafeTx-Relay/internal/web3"
	"SafeTx-Relay/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Strategy selects how requiredTxGas is discovered.
type Strategy string

const (
	// StrategyRevert decodes the self-reported value from the revert payload.
	StrategyRevert Strategy = "revert"
	// StrategyLadder probes increasing gas budgets concurrently.
	StrategyLadder Strategy = "ladder"
	// StrategyProvided marks values supplied by the caller.
	StrategyProvided Strategy = "provided"
)

// DefaultLadder doubles from 10000 up to 5120000.
var DefaultLadder = []uint64{10000, 20000, 40000, 80000, 160000, 320000, 640000, 1280000, 2560000, 5120000}

// Config tunes the estimator. Zero values fall back to the defaults.
type Config struct {
	Strategy     Strategy
	SafetyMargin uint64
	Ladder       []uint64
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRevert
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if len(c.Ladder) == 0 {
		c.Ladder = DefaultLadder
	}
	c.Ladder = slices.Clone(c.Ladder)
	slices.Sort(c.Ladder)
	c.Ladder = slices.Compact(c.Ladder)
	return c
}

// Estimate is the gas breakdown of one Safe transaction. When Failed is set
// every gas field is zero and the transaction must not be submitted.
type Estimate struct {
	RequiredTxGas uint64
	DataGas       uint64
	BaseGas       uint64
	SignatureGas  uint64
	SafeTxGas     uint64
	Strategy      Strategy
	Rung          uint64
	Failed        bool
}

// Estimator computes gas parameters against a contract caller.
type Estimator struct {
	client contract.Caller
	cfg    Config
	logger *slog.Logger
}

// Option customises an Estimator.
type Option func(*Estimator)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEstimator builds an estimator. When client also implements
// web3.BatchCaller the ladder is sent as one batch.
func NewEstimator(client contract.Caller, cfg Config, opts ...Option) *Estimator {
	e := &Estimator{client: client, cfg: cfg.withDefaults(), logger: logger.Named("gas")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate computes requiredTxGas, safeTxGas and baseGas for p, which must
// carry the inner call (to, value, data, operation).
func (e *Estimator) Estimate(ctx context.Context, safe *contract.Safe, p contract.ExecParams, sigCount int) (Estimate, error) {
	required, rung, err := e.RequiredTxGas(ctx, safe, p)
	if err != nil {
		metrics.ObserveEstimate(string(e.cfg.Strategy), true)
		return Estimate{}, err
	}
	if required == 0 {
		metrics.ObserveEstimate(string(e.cfg.Strategy), true)
		e.logger.Warn("gas ladder exhausted", slog.String("safe", safe.Address().Hex()), slog.String("to", p.To.Hex()))
		return Estimate{Strategy: e.cfg.Strategy, Failed: true}, nil
	}

	dataGas := DataGasCostBytes(p.Data)
	est := Estimate{
		RequiredTxGas: required,
		DataGas:       dataGas,
		SafeTxGas:     required + dataGas + TxBaseGas,
		SignatureGas:  SignatureGasCost(sigCount),
		Strategy:      e.cfg.Strategy,
		Rung:          rung,
	}

	withGas := p
	withGas.SafeTxGas = new(big.Int).SetUint64(est.SafeTxGas)
	est.BaseGas, err = e.BaseGas(safe, withGas, sigCount)
	if err != nil {
		metrics.ObserveEstimate(string(e.cfg.Strategy), true)
		return Estimate{}, err
	}
	metrics.ObserveEstimate(string(e.cfg.Strategy), false)
	e.logger.Debug("gas estimated",
		slog.String("safe", safe.Address().Hex()),
		slog.Uint64("required_tx_gas", est.RequiredTxGas),
		slog.Uint64("safe_tx_gas", est.SafeTxGas),
		slog.Uint64("base_gas", est.BaseGas),
		slog.Uint64("rung", est.Rung))
	return est, nil
}

// BaseGas prices the execTransaction calldata with an empty signature blob,
// adds the signature verification cost and the safety margin.
func (e *Estimator) BaseGas(safe *contract.Safe, p contract.ExecParams, sigCount int) (uint64, error) {
	p.Signatures = []byte{}
	call, err := safe.ExecTransaction(p)
	if err != nil {
		return 0, err
	}
	return DataGasCostBytes(call.Data()) + SignatureGasCost(sigCount) + e.cfg.SafetyMargin, nil
}

// RequiredTxGas returns the inner call gas including the safety margin. For
// the ladder strategy it also returns the winning rung; a zero result with a
// nil error means no rung succeeded.
func (e *Estimator) RequiredTxGas(ctx context.Context, safe *contract.Safe, p contract.ExecParams) (uint64, uint64, error) {
	if e.client == nil {
		return 0, 0, xerrors.New(xerrors.CodeInitializationFailure, "gas estimator has no client")
	}
	switch e.cfg.Strategy {
	case StrategyRevert:
		reported, err := e.selfReport(ctx, safe, p)
		if err != nil {
			return 0, 0, err
		}
		return reported + e.cfg.SafetyMargin, 0, nil
	case StrategyLadder:
		return e.ladder(ctx, safe, p)
	default:
		return 0, 0, xerrors.New(xerrors.CodeEstimation, fmt.Sprintf("unknown estimation strategy %q", e.cfg.Strategy))
	}
}

func (e *Estimator) selfReport(ctx context.Context, safe *contract.Safe, p contract.ExecParams) (uint64, error) {
	word, err := safe.RequiredTxGas(ctx, e.client, p, 0)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeEstimation {
			return 0, err
		}
		return 0, xerrors.Wrap(xerrors.CodeEstimation, err, "requiredTxGas call failed")
	}
	if word.Sign() == 0 {
		return 0, xerrors.New(xerrors.CodeEstimation, "requiredTxGas reported zero")
	}
	if !word.IsUint64() {
		return 0, xerrors.New(xerrors.CodeEstimation, "requiredTxGas reported "+word.String()+", out of range")
	}
	return word.Uint64(), nil
}

func (e *Estimator) ladder(ctx context.Context, safe *contract.Safe, p contract.ExecParams) (uint64, uint64, error) {
	var baseline uint64
	reported, err := e.selfReport(ctx, safe, p)
	switch {
	case ctx.Err() != nil:
		return 0, 0, xerrors.Wrap(xerrors.CodeEstimation, ctx.Err(), "gas estimation cancelled")
	case err != nil:
		e.logger.Debug("self-report unavailable, probing from zero", slog.String("error", err.Error()))
	default:
		baseline = reported
	}
	baseline += e.cfg.SafetyMargin

	overhead := baseline + DataGasCostBytes(p.Data) + TxBaseGas
	msgs := make([]web3.CallMsg, len(e.cfg.Ladder))
	for i, rung := range e.cfg.Ladder {
		msg, _, err := safe.RequiredTxGasMsg(p, overhead+rung)
		if err != nil {
			return 0, 0, err
		}
		msgs[i] = msg
	}

	results := e.probe(ctx, msgs)
	if ctx.Err() != nil {
		return 0, 0, xerrors.Wrap(xerrors.CodeEstimation, ctx.Err(), "gas estimation cancelled")
	}

	winner := -1
	for i, res := range results {
		ok := rungSucceeded(res)
		switch {
		case ok:
			metrics.ObserveLadderRung("success")
		case res.Err != nil:
			if _, reverted := web3.AsRevert(res.Err); reverted {
				metrics.ObserveLadderRung("revert")
			} else {
				metrics.ObserveLadderRung("error")
			}
		default:
			metrics.ObserveLadderRung("empty")
		}
		if ok && winner < 0 {
			winner = i
		}
	}
	if winner < 0 {
		return 0, 0, nil
	}
	rung := e.cfg.Ladder[winner]
	return baseline + rung, rung, nil
}

// probe issues every rung and waits for all of them.
func (e *Estimator) probe(ctx context.Context, msgs []web3.CallMsg) []web3.CallResult {
	if batch, ok := e.client.(web3.BatchCaller); ok {
		results := batch.CallBatch(ctx, msgs)
		if len(results) == len(msgs) {
			return results
		}
		e.logger.Warn("batch returned wrong result count, probing individually",
			slog.Int("want", len(msgs)), slog.Int("got", len(results)))
	}

	results := make([]web3.CallResult, len(msgs))
	var g errgroup.Group
	for i, msg := range msgs {
		g.Go(func() error {
			data, err := e.client.Call(ctx, msg)
			results[i] = web3.CallResult{Data: data, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func rungSucceeded(res web3.CallResult) bool {
	if res.Err == nil {
		return len(res.Data) > 0
	}
	revert, ok := web3.AsRevert(res.Err)
	if !ok {
		return false
	}
	_, err := contract.DecodeRevertWord(revert.Payload)
	return err == nil
}
