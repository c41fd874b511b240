package redisstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter 基于 INCR 的固定窗口计数限流器，多个进程共享同一计数。
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisLimiter 创建 RedisLimiter 实例
func NewRedisLimiter(client *redis.Client, keyPrefix string) *RedisLimiter {
	if client == nil {
		panic("redis client cannot be nil for RedisLimiter")
	}
	if keyPrefix == "" {
		keyPrefix = "wr:"
	}
	return &RedisLimiter{client: client, keyPrefix: keyPrefix}
}

func (l *RedisLimiter) limitKey(key string) string {
	return l.keyPrefix + "ratelimit:" + key
}

// Allow 递增 key 在当前窗口内的计数，超过 limit 时返回 false。
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := l.limitKey(key)
	// 使用 Pipeline 减少网络往返
	pipe := l.client.Pipeline()
	incrCmd := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", redisKey, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", redisKey, err)
	}
	// 新建的计数器没有过期时间，窗口从第一次请求开始
	if ttl := ttlCmd.Val(); ttl < 0 {
		if err := l.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("redis: failed to set rate limit window on key %s: %w", redisKey, err)
		}
	}
	return count <= int64(limit), nil
}
