package repository

import (
	"context"

	"wikirace-server/internal/domain"
)

// RoomMirror 定义房间状态的外部镜像。
// 镜像只是尽力而为的副本，进程存活期间内存状态才是权威数据。
type RoomMirror interface {
	// SaveRoom 写入房间快照。快照版本不比已存储的新时不写入，返回 ErrStaleRevision。
	SaveRoom(ctx context.Context, room *domain.Room) error

	// DeleteRoom 删除房间快照，房间不存在时不报错。
	DeleteRoom(ctx context.Context, roomCode string) error
}

// MirrorStore 是真正落地的镜像存储 (Redis 或 SQL)。
type MirrorStore interface {
	RoomMirror

	// LoadRoom 读取房间快照，不存在时返回 ErrNotFound。
	LoadRoom(ctx context.Context, roomCode string) (*domain.Room, error)

	// PurgeExpired 删除已过期的快照，返回删除数量。
	// 依赖 TTL 自动过期的实现可以直接返回 0。
	PurgeExpired(ctx context.Context) (int64, error)

	// Stats 返回存储的运行状态，用于 /api/stats。
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// NoopMirror 在未配置镜像时使用
type NoopMirror struct{}

func (NoopMirror) SaveRoom(context.Context, *domain.Room) error { return nil }
func (NoopMirror) DeleteRoom(context.Context, string) error     { return nil }
