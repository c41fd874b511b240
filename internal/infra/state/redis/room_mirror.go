package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/repository"

	"github.com/sirupsen/logrus"
)

// saveScript 仅当快照版本比已存储的新时写入，并刷新过期时间。
// KEYS[1] 房间 hash，KEYS[2] 房间索引集合
// ARGV[1] revision，ARGV[2] 快照 JSON，ARGV[3] TTL 秒数，ARGV[4] 房间码
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rev')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'data', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// RedisRoomMirror 是 repository.MirrorStore 的 Redis 实现。
// 每个房间保存为一个带 TTL 的 hash：rev 为版本号，data 为 JSON 快照。
type RedisRoomMirror struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisRoomMirror 创建 RedisRoomMirror 实例
func NewRedisRoomMirror(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisRoomMirror {
	if client == nil {
		panic("redis client cannot be nil for RedisRoomMirror")
	}
	if keyPrefix == "" {
		keyPrefix = "wr:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisRoomMirror{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// --- Key Generation Helpers ---
func (r *RedisRoomMirror) roomKey(code string) string {
	return fmt.Sprintf("%sroom:%s", r.keyPrefix, code)
}

func (r *RedisRoomMirror) roomIndexKey() string {
	return r.keyPrefix + "rooms"
}

// SaveRoom 写入房间快照
func (r *RedisRoomMirror) SaveRoom(ctx context.Context, room *domain.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal room %s: %w", room.Code, err)
	}
	ttlSeconds := int64(r.ttl / time.Second)
	written, err := saveScript.Run(ctx, r.client,
		[]string{r.roomKey(room.Code), r.roomIndexKey()},
		room.Revision, string(payload), ttlSeconds, room.Code,
	).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to save room %s (revision %d): %w", room.Code, room.Revision, err)
	}
	if written == 0 {
		return repository.ErrStaleRevision
	}
	return nil
}

// DeleteRoom 删除房间快照
func (r *RedisRoomMirror) DeleteRoom(ctx context.Context, roomCode string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.roomKey(roomCode))
	pipe.SRem(ctx, r.roomIndexKey(), roomCode)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to delete room %s: %w", roomCode, err)
	}
	return nil
}

// LoadRoom 读取房间快照
func (r *RedisRoomMirror) LoadRoom(ctx context.Context, roomCode string) (*domain.Room, error) {
	data, err := r.client.HGet(ctx, r.roomKey(roomCode), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis: failed to load room %s: %w", roomCode, err)
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal room %s: %w", roomCode, err)
	}
	return &room, nil
}

// PurgeExpired 清理索引集合中已过期的房间码。房间 hash 本身依赖 TTL 过期。
func (r *RedisRoomMirror) PurgeExpired(ctx context.Context) (int64, error) {
	codes, err := r.client.SMembers(ctx, r.roomIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to list mirrored rooms: %w", err)
	}
	var removed int64
	for _, code := range codes {
		exists, err := r.client.Exists(ctx, r.roomKey(code)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: failed to check room %s: %w", code, err)
		}
		if exists > 0 {
			continue
		}
		n, err := r.client.SRem(ctx, r.roomIndexKey(), code).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: failed to unindex room %s: %w", code, err)
		}
		removed += n
	}
	if removed > 0 {
		logrus.WithField("count", removed).Info("Purged expired room mirror entries")
	}
	return removed, nil
}

// Stats 返回 Redis 运行状态和镜像房间数
func (r *RedisRoomMirror) Stats(ctx context.Context) (map[string]interface{}, error) {
	count, err := r.client.SCard(ctx, r.roomIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to count mirrored rooms: %w", err)
	}
	stats := map[string]interface{}{
		"backend":        "redis",
		"mirrored_rooms": count,
	}
	info, err := r.client.Info(ctx).Result()
	if err != nil {
		logrus.WithError(err).Debug("redis: INFO unavailable")
		return stats, nil
	}
	fields := parseInfo(info)
	stats["redis_version"] = fields["redis_version"]
	stats["used_memory_human"] = fields["used_memory_human"]
	stats["connected_clients"] = infoInt(fields, "connected_clients")
	stats["total_commands_processed"] = infoInt(fields, "total_commands_processed")
	keyspace := make(map[string]string)
	for k, v := range fields {
		if strings.HasPrefix(k, "db") {
			keyspace[k] = v
		}
	}
	stats["keyspace"] = keyspace
	return stats, nil
}

// parseInfo 把 INFO 输出解析成 key -> value
func parseInfo(info string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// infoInt 把 INFO 中的整数字段转换为 int64，无法解析时返回 0。
func infoInt(fields map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(fields[key], 10, 64)
	return n
}
