package middleware

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter 进程内的固定窗口限流器，没有 Redis 时使用。
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

// Allow 实现 Limiter
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, d time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.prune(now)
		w = &window{resetAt: now.Add(d)}
		l.windows[key] = w
	}
	w.count++
	return w.count <= limit, nil
}

// prune 删除已过期的窗口，调用方必须持有锁
func (l *MemoryLimiter) prune(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
