package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/safe"
	"SafeTx-Relay/pkg/logger"
)

// SubmitRequest 描述一次中继提交。
type SubmitRequest struct {
	// ID 可选，重复提交同一 ID 返回已有任务。
	ID          string       `json:"id,omitempty"`
	Chain       string       `json:"chain,omitempty"`
	Safe        string       `json:"safe"`
	Transaction safe.Request `json:"transaction"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	chains     ClientResolver
	maxRetries int

	mu      sync.Mutex
	intents *lru.Cache
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithMaxRetries 设置新任务的最大执行次数。
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithChainResolver 在提交时校验链名称。
func WithChainResolver(resolver ClientResolver) ServiceOption {
	return func(s *Service) {
		s.chains = resolver
	}
}

// WithIntentCache 设置重复意图缓存的容量，0 表示关闭。
func WithIntentCache(size int) ServiceOption {
	return func(s *Service) {
		if size <= 0 {
			s.intents = nil
			return
		}
		s.intents = lru.New(size)
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		producer:   producer,
		maxRetries: 3,
		intents:    lru.New(1024),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验交易意图，创建任务并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	safeAddr := strings.TrimSpace(req.Safe)
	if !common.IsHexAddress(safeAddr) {
		return nil, xerrors.New(CodeJobValidation, "Safe 地址无效", xerrors.WithStage(safe.StageValidate))
	}
	safeAddr = common.HexToAddress(safeAddr).Hex()
	tx, err := safe.Validate(req.Transaction)
	if err != nil {
		return nil, err
	}
	chain := strings.TrimSpace(req.Chain)
	if s.chains != nil {
		if _, err := s.chains.Resolve(chain); err != nil {
			return nil, xerrors.Wrap(CodeJobValidation, err, "链不可用")
		}
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}

	intent := intentKey(chain, safeAddr, tx)
	if existing := s.lookupIntent(ctx, intent); existing != nil {
		return existing, nil
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:         jobID,
		Chain:      chain,
		Safe:       safeAddr,
		Request:    tx.Request(),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	s.rememberIntent(intent, jobID)

	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, Failure{Code: CodeJobPublish, Message: wrapped.Error()})
		return nil, wrapped
	}
	logger.Audit().Info("中继任务入队成功",
		slog.String("job_id", jobID),
		slog.String("chain", chain),
		slog.String("safe", safeAddr),
		slog.String("to", job.Request.To),
		slog.String("nonce", job.Request.Nonce),
		slog.Int("max_retries", job.MaxRetries),
	)
	return cloneJob(job), nil
}

// intentKey 只对显式指定 nonce 的意图去重，未指定 nonce 的重复提交可能是有意的多次转账。
func intentKey(chain, safeAddr string, tx safe.Transaction) string {
	if tx.Nonce == nil {
		return ""
	}
	encoded, err := json.Marshal(tx.Request())
	if err != nil {
		return ""
	}
	return strings.ToLower(chain) + "|" + strings.ToLower(safeAddr) + "|" + string(encoded)
}

func (s *Service) lookupIntent(ctx context.Context, intent string) *Job {
	if intent == "" {
		return nil
	}
	s.mu.Lock()
	if s.intents == nil {
		s.mu.Unlock()
		return nil
	}
	value, ok := s.intents.Get(intent)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	job, err := s.store.Get(ctx, value.(string))
	if err != nil {
		return nil
	}
	// 未广播且已放弃的任务允许重新提交。
	if job.Status == StatusFailed && !job.Sent && job.Attempts >= job.MaxRetries {
		s.mu.Lock()
		s.intents.Remove(intent)
		s.mu.Unlock()
		return nil
	}
	return job
}

func (s *Service) rememberIntent(intent, jobID string) {
	if intent == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intents != nil {
		s.intents.Add(intent, jobID)
	}
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	if s.producer != nil {
		err = stdErrors.Join(err, s.producer.Close())
	}
	return err
}

// WaitUntilCompleted 轮询任务状态直到成功、进入终态失败或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || (job.Status == StatusFailed && job.Attempts >= job.MaxRetries) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
