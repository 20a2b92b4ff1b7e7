package task

import (
	"context"
	"strings"
	"sync"
)

// Locker 串行化同一 Safe 的任务。Safe nonce 只能顺序消费，并发执行会互相踩踏。
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LockKey 返回任务对应的锁键。
func LockKey(job *Job) string {
	return strings.ToLower(job.Chain) + ":" + strings.ToLower(job.Safe)
}

// MemoryLocker 在单进程内按键互斥。
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker 创建 MemoryLocker。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*lockSlot)}
}

// Lock 阻塞直到获得 key 对应的锁或 ctx 结束。
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(key, slot)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

var _ Locker = (*MemoryLocker)(nil)
