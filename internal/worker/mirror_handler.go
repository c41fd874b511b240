package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"wikirace-server/internal/repository"
	"wikirace-server/internal/tasks"
)

// MirrorHandler 把镜像任务写入真正的存储
type MirrorHandler struct {
	store repository.MirrorStore
}

// NewMirrorHandler 创建 Handler 实例
func NewMirrorHandler(store repository.MirrorStore) *MirrorHandler {
	if store == nil {
		panic("MirrorStore cannot be nil for MirrorHandler")
	}
	return &MirrorHandler{store: store}
}

// ProcessSave 处理 room:mirror_save
func (h *MirrorHandler) ProcessSave(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.RoomMirrorSavePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Room == nil {
		logCtx.WithError(err).Error("Failed to unmarshal room mirror payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	room := payload.Room
	logCtx = logCtx.WithFields(logrus.Fields{"room_code": room.Code, "revision": room.Revision})

	err := h.store.SaveRoom(ctx, room)
	if errors.Is(err, repository.ErrStaleRevision) {
		logCtx.Debug("Skipped stale room mirror write")
		return nil
	}
	if err != nil {
		logCtx.WithError(err).Warn("Failed to save room mirror")
		return fmt.Errorf("failed to save room %s: %w", room.Code, err)
	}
	logCtx.Debug("Room mirror saved")
	return nil
}

// ProcessDelete 处理 room:mirror_delete
func (h *MirrorHandler) ProcessDelete(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.RoomMirrorDeletePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RoomCode == "" {
		logCtx.WithError(err).Error("Failed to unmarshal room mirror delete payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.store.DeleteRoom(ctx, payload.RoomCode); err != nil {
		logCtx.WithError(err).WithField("room_code", payload.RoomCode).Warn("Failed to delete room mirror")
		return fmt.Errorf("failed to delete room %s: %w", payload.RoomCode, err)
	}
	return nil
}

// ProcessPurge 处理 mirror:purge_expired
func (h *MirrorHandler) ProcessPurge(ctx context.Context, t *asynq.Task) error {
	removed, err := h.store.PurgeExpired(ctx)
	if err != nil {
		taskLogger(ctx, t).WithError(err).Warn("Failed to purge expired room mirrors")
		return err
	}
	taskLogger(ctx, t).WithField("removed", removed).Debug("Purged expired room mirrors")
	return nil
}

// taskLogger 返回带任务信息的日志上下文
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     retry,
		"max_retry": maxRetry,
	})
}
