package task

import (
	"context"
	"errors"
	"sync"
	"time"

	xerrors "SafeTx-Relay/internal/errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisQueueKey 是未配置时使用的 Redis list 键。
const DefaultRedisQueueKey = "saferelay:jobs"

// RedisQueueConfig 描述 Redis 队列的参数。连接由调用方创建并与分布式锁共享。
type RedisQueueConfig struct {
	Key       string
	BlockWait time.Duration
	// OwnsClient 为 true 时 Close 会关闭底层连接。
	OwnsClient bool
}

// RedisQueue 使用 Redis list 实现多实例共享的任务队列。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
	owns   bool
}

// NewRedisQueue 基于已连接的客户端创建 Redis 队列实例。
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = DefaultRedisQueueKey
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: wait, owns: cfg.OwnsClient}, nil
}

// Publish 将任务 ID 推入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 从队列尾部获取任务，直到 ctx 结束或连接出现不可恢复的错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					fail(xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败"))
					return
				}
				if len(values) != 2 {
					continue
				}
				_ = handler(ctx, values[1])
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Close 在持有连接时关闭 Redis 客户端。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owns {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
