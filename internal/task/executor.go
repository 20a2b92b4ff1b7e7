package task

import (
	"context"
	"log/slog"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe"
	"SafeTx-Relay/internal/web3"
	"SafeTx-Relay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Executor 执行一次中继任务。出错时返回的结果可能只包含已完成阶段的产出。
type Executor interface {
	Execute(ctx context.Context, job *Job) (*RelayResult, error)
}

// ClientResolver 根据链名称返回链客户端，空名称表示默认链。
type ClientResolver interface {
	Resolve(name string) (web3.Client, error)
}

// BuilderExecutor 为每个任务创建 safe.Builder 并运行完整流水线。
type BuilderExecutor struct {
	resolver ClientResolver
	cfg      safe.Config
	opts     []safe.Option
	logger   *slog.Logger
}

// NewBuilderExecutor 构造 BuilderExecutor。cfg 中的签名者与中继账户对所有任务共享。
func NewBuilderExecutor(resolver ClientResolver, cfg safe.Config, opts ...safe.Option) *BuilderExecutor {
	return &BuilderExecutor{
		resolver: resolver,
		cfg:      cfg,
		opts:     opts,
		logger:   logger.Named("executor"),
	}
}

// Execute 实现 Executor 接口。
func (e *BuilderExecutor) Execute(ctx context.Context, job *Job) (*RelayResult, error) {
	if e == nil || e.resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	if job == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if !common.IsHexAddress(job.Safe) {
		return nil, xerrors.New(xerrors.CodeValidation, "Safe 地址无效", xerrors.WithStage(safe.StageValidate))
	}
	client, err := e.resolver.Resolve(job.Chain)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链客户端失败", xerrors.WithRetryable(false))
	}

	builder, err := safe.NewBuilder(client, common.HexToAddress(job.Safe), e.cfg, e.opts...)
	if err != nil {
		return nil, err
	}
	res, err := builder.Build(ctx, job.Request)
	result := toRelayResult(res)
	if err != nil {
		e.logger.Debug("pipeline stopped",
			slog.String("job_id", job.ID),
			slog.String("state", builder.State().String()),
			slog.Any("error", err))
	}
	return result, err
}

func toRelayResult(res *safe.Result) *RelayResult {
	if res == nil {
		return nil
	}
	out := &RelayResult{
		SafeTxGas:     res.Estimate.SafeTxGas,
		BaseGas:       res.Estimate.BaseGas,
		GasStrategy:   string(res.Estimate.Strategy),
		Confirmations: res.Confirmations,
	}
	if res.SafeTxHash != (common.Hash{}) {
		out.SafeTxHash = res.SafeTxHash.Hex()
	}
	if res.TxHash != (common.Hash{}) {
		out.TxHash = res.TxHash.Hex()
	}
	if res.Transaction.Nonce != nil {
		out.Nonce = res.Transaction.Nonce.String()
	}
	if res.Receipt != nil {
		out.GasUsed = res.Receipt.GasUsed
		if res.Receipt.BlockNumber != nil {
			out.BlockNumber = res.Receipt.BlockNumber.Uint64()
		}
	}
	if res.Outcome.Found && res.Outcome.Payment != nil {
		out.Payment = res.Outcome.Payment.String()
	}
	return out
}
