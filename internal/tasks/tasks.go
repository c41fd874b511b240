package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"wikirace-server/internal/domain"
)

// 定义任务类型常量
const (
	TypeRoomMirrorSave   = "room:mirror_save"     // 写入房间镜像
	TypeRoomMirrorDelete = "room:mirror_delete"   // 删除房间镜像
	TypeRoomsSweep       = "rooms:sweep"          // 不活跃玩家、空房间、过期房间清理
	TypeMirrorPurge      = "mirror:purge_expired" // 清理过期镜像
)

// 队列名称
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// RoomMirrorSavePayload 房间镜像写入任务的数据
type RoomMirrorSavePayload struct {
	Room *domain.Room `json:"room"`
}

// RoomMirrorDeletePayload 房间镜像删除任务的数据
type RoomMirrorDeletePayload struct {
	RoomCode string `json:"room_code"`
}

// NewRoomMirrorSaveTask 创建房间镜像写入任务
func NewRoomMirrorSaveTask(room *domain.Room) (*asynq.Task, error) {
	if room == nil {
		return nil, fmt.Errorf("room cannot be nil")
	}
	payload, err := json.Marshal(RoomMirrorSavePayload{Room: room})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomMirrorSave, payload,
		asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(10*time.Second)), nil
}

// NewRoomMirrorDeleteTask 创建房间镜像删除任务
func NewRoomMirrorDeleteTask(roomCode string) (*asynq.Task, error) {
	payload, err := json.Marshal(RoomMirrorDeletePayload{RoomCode: roomCode})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomMirrorDelete, payload,
		asynq.Queue(QueueDefault), asynq.MaxRetry(5), asynq.Timeout(10*time.Second)), nil
}

// NewRoomsSweepTask 创建清理任务。房间状态只存在于当前进程内存中，
// 所以任务投递到每个进程独有的 queue。
func NewRoomsSweepTask(queue string) *asynq.Task {
	return asynq.NewTask(TypeRoomsSweep, nil, asynq.Queue(queue), asynq.MaxRetry(0), asynq.Timeout(20*time.Second))
}

// NewMirrorPurgeTask 创建过期镜像清理任务
func NewMirrorPurgeTask() *asynq.Task {
	return asynq.NewTask(TypeMirrorPurge, nil, asynq.Queue(QueueLow), asynq.MaxRetry(1))
}

// SweepQueueName 返回实例独有的清理队列名
func SweepQueueName(instanceID string) string {
	return "sweep-" + instanceID
}
