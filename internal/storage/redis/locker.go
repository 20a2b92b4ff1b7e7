package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL   = 5 * time.Minute
	defaultRetryWait = 50 * time.Millisecond
	lockPrefix       = "saferelay:lock:"
)

// 只有持有者本人可以释放锁。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 使用 SET NX PX 实现跨实例的互斥锁。TTL 需要覆盖一次完整中继（含确认等待）。
type Locker struct {
	client    *goredis.Client
	ttl       time.Duration
	retryWait time.Duration
}

// LockerOption 定义可选配置。
type LockerOption func(*Locker)

// WithTTL 设置锁的过期时间。
func WithTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryWait 设置抢锁失败后的重试间隔。
func WithRetryWait(wait time.Duration) LockerOption {
	return func(l *Locker) {
		if wait > 0 {
			l.retryWait = wait
		}
	}
}

// NewLocker 基于已连接的客户端创建 Locker。
func NewLocker(client *goredis.Client, opts ...LockerOption) (*Locker, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	l := &Locker{client: client, ttl: defaultLockTTL, retryWait: defaultRetryWait}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Lock 轮询获取 key 对应的锁，直到成功或 ctx 结束。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("获取 Redis 锁失败: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}
