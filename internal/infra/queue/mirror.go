package queue

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/repository"
	"wikirace-server/internal/tasks"
)

// Enqueuer 是 asynq.Client 中用到的部分
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqRoomMirror 把镜像写入转成 asynq 任务，由 worker 异步落地。
// 入队失败时直接写 fallback 存储。
type AsynqRoomMirror struct {
	client   Enqueuer
	fallback repository.RoomMirror
}

// NewAsynqRoomMirror 创建 AsynqRoomMirror。fallback 可以为 nil。
func NewAsynqRoomMirror(client Enqueuer, fallback repository.RoomMirror) *AsynqRoomMirror {
	if client == nil {
		panic("asynq client cannot be nil for AsynqRoomMirror")
	}
	return &AsynqRoomMirror{client: client, fallback: fallback}
}

// SaveRoom 投递镜像写入任务
func (m *AsynqRoomMirror) SaveRoom(ctx context.Context, room *domain.Room) error {
	task, err := tasks.NewRoomMirrorSaveTask(room)
	if err != nil {
		return fmt.Errorf("queue: build mirror save task for room %s: %w", room.Code, err)
	}
	info, err := m.client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.WithError(err).WithField("room_code", room.Code).Warn("Failed to enqueue room mirror save, writing directly")
		if m.fallback == nil {
			return fmt.Errorf("queue: enqueue mirror save for room %s: %w", room.Code, err)
		}
		return m.fallback.SaveRoom(ctx, room)
	}
	logrus.WithFields(logrus.Fields{
		"room_code": room.Code,
		"revision":  room.Revision,
		"task_id":   info.ID,
	}).Debug("Enqueued room mirror save")
	return nil
}

// DeleteRoom 投递镜像删除任务
func (m *AsynqRoomMirror) DeleteRoom(ctx context.Context, roomCode string) error {
	task, err := tasks.NewRoomMirrorDeleteTask(roomCode)
	if err != nil {
		return fmt.Errorf("queue: build mirror delete task for room %s: %w", roomCode, err)
	}
	if _, err := m.client.EnqueueContext(ctx, task); err != nil {
		logrus.WithError(err).WithField("room_code", roomCode).Warn("Failed to enqueue room mirror delete, deleting directly")
		if m.fallback == nil {
			return fmt.Errorf("queue: enqueue mirror delete for room %s: %w", roomCode, err)
		}
		return m.fallback.DeleteRoom(ctx, roomCode)
	}
	return nil
}
