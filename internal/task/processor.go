package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/observability/alerting"
	"SafeTx-Relay/internal/observability/metrics"
	"SafeTx-Relay/pkg/logger"
)

// Processor 负责从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	locker      Locker
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	// retryPublishTimeout 限制重投等待队列空位的时间，超时的任务保持失败状态，由 Recover 重新投递。
	retryPublishTimeout time.Duration
}

// DefaultRetryPublishTimeout 是重投任务时等待队列的默认上限。
const DefaultRetryPublishTimeout = 5 * time.Second

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithLocker 替换默认的进程内锁，多实例部署时应使用分布式锁。
func WithLocker(locker Locker) ProcessorOption {
	return func(p *Processor) {
		if locker != nil {
			p.locker = locker
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),

		retryPublishTimeout: DefaultRetryPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.locker == nil {
		p.locker = NewMemoryLocker()
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Recover 在启动时重新投递未完成的任务。超过 staleAfter 仍处于运行中的任务可能已经广播，
// 因此直接标记为终态失败交由人工确认；staleAfter <= 0 时不处理运行中的任务。
func (p *Processor) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	if p.store == nil || p.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	var pending []*Job
	for offset := 0; ; offset += 100 {
		jobs, err := p.store.List(ctx, ListOptions{
			Limit:    100,
			Offset:   offset,
			Statuses: []Status{StatusPending, StatusRunning, StatusFailed},
			Order:    SortByUpdatedAsc,
		})
		if err != nil {
			return 0, err
		}
		pending = append(pending, jobs...)
		if len(jobs) < 100 {
			break
		}
	}

	requeued := 0
	cutoff := time.Now().Add(-staleAfter).Unix()
	for _, job := range pending {
		switch {
		case job.Status == StatusRunning && (staleAfter <= 0 || job.UpdatedAt > cutoff):
		case job.Status == StatusRunning:
			failure := Failure{
				Code:     xerrors.CodeRelayTimeout,
				Stage:    job.Stage,
				Message:  "进程在任务执行期间退出，交易可能已经广播",
				Sent:     true,
				Terminal: true,
			}
			if err := p.store.MarkFailed(ctx, job.ID, failure); err != nil {
				return requeued, err
			}
			p.emitAlert(ctx, job, failure, nil)
		case job.Status == StatusFailed && (job.Sent || job.Attempts >= job.MaxRetries):
		default:
			if err := p.producer.Publish(ctx, job.ID); err != nil {
				return requeued, xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 恢复入队失败", job.ID))
			}
			requeued++
		}
	}
	if requeued > 0 {
		p.logger.Info("恢复未完成任务", slog.Int("count", requeued))
	}
	return requeued, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	// 执行结束后的状态写入不能因为关闭信号而丢失，否则已广播的交易可能被再次提交。
	persistCtx := context.WithoutCancel(ctx)

	unlock, err := p.locker.Lock(ctx, LockKey(job))
	if err != nil {
		return p.handleFailure(ctx, persistCtx, job, nil,
			xerrors.Wrap(xerrors.CodeTimeout, err, "等待 Safe 锁失败", xerrors.WithSent(false)))
	}
	defer unlock()

	metrics.JobStarted()
	defer metrics.JobFinished()

	started := time.Now()
	result, execErr := p.executor.Execute(ctx, job)
	if execErr != nil {
		return p.handleFailure(ctx, persistCtx, job, result, execErr)
	}

	var record RelayResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(persistCtx, job.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		failure := Failure{
			Code:     xerrors.CodeStorageFailure,
			Stage:    "confirm",
			Message:  err.Error(),
			Sent:     true,
			Terminal: true,
			Partial:  &record,
		}
		if storeErr := p.store.MarkFailed(persistCtx, job.ID, failure); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		}
		p.emitAlert(persistCtx, job, failure, err)
		return err
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("中继任务成功",
		slog.String("job_id", job.ID),
		slog.String("safe", job.Safe),
		slog.String("safe_tx_hash", record.SafeTxHash),
		slog.String("tx_hash", record.TxHash),
		slog.Int("attempts", job.Attempts),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// handleFailure 用 persistCtx 写入失败状态与告警，用可取消的 ctx 重投，避免队列已满时阻塞关闭流程。
func (p *Processor) handleFailure(ctx, persistCtx context.Context, job *Job, result *RelayResult, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	sent := xerrors.SentError(execErr)
	// 已广播的交易绝不自动重试。
	retryable := xerrors.RetryableError(execErr) && !sent
	terminal := !retryable || job.Attempts >= job.MaxRetries

	failure := Failure{
		Code:     code,
		Stage:    xerrors.StageOf(execErr),
		Message:  execErr.Error(),
		Sent:     sent,
		Terminal: terminal,
		Partial:  result,
	}
	if storeErr := p.store.MarkFailed(persistCtx, job.ID, failure); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("中继任务失败",
		slog.String("job_id", job.ID),
		slog.String("safe", job.Safe),
		slog.String("stage", failure.Stage),
		slog.Bool("terminal", terminal),
		slog.Bool("sent", sent),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if xerrors.ShouldAlert(execErr) || (retryable && terminal) {
		p.emitAlert(persistCtx, job, failure, execErr)
	}

	if terminal {
		metrics.ObserveJob(string(StatusFailed))
		return nil
	}
	metrics.ObserveJob("retry")
	publishCtx, cancel := context.WithTimeout(ctx, p.retryPublishTimeout)
	defer cancel()
	if err := p.producer.Publish(publishCtx, job.ID); err != nil {
		p.logger.Warn("任务重投失败，等待恢复流程重新投递",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
		)
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, failure Failure, cause error) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	severity := xerrors.AttributesOf(failure.Code).Severity
	if cause != nil {
		severity = xerrors.SeverityOf(cause)
	}
	event := alerting.Event{
		Code:       failure.Code,
		Message:    failure.Message,
		Severity:   severity,
		JobID:      job.ID,
		Chain:      job.Chain,
		Safe:       job.Safe,
		Stage:      failure.Stage,
		Sent:       failure.Sent,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   xerrors.MetadataOf(cause),
		OccurredAt: time.Now(),
	}
	if failure.Partial != nil {
		event.TxHash = failure.Partial.TxHash
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", failure.Stage),
		)
	}
}
