package hub

import (
	"context"
	"time"

	"wikirace-server/internal/domain"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	closeReasonExpired = "expired"
	closeReasonEmpty   = "empty"
)

// Sweep 执行一轮清理：踢出不活跃玩家，然后关闭过期和空置的房间。
// 被踢的玩家先收到 kicked_for_inactivity，再走正常的离开流程。
func (h *Hub) Sweep(ctx context.Context) error {
	var errs error
	now := h.manager.Options().Now()
	for _, idle := range h.manager.InactivePlayers(now) {
		connID := idle.ConnID
		res, evicted, err := h.manager.EvictInactive(ctx, connID, func(roomCode string) {
			h.sendTo(connID, EventKickedForInactivity, kickedPayload{
				RoomCode: roomCode,
				Message:  "You have been removed from the room due to inactivity",
			})
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !evicted {
			continue
		}
		h.leaveGroup(res.RoomCode, connID)
		h.announceLeave(res)
	}

	h.closeRooms(h.manager.CleanupExpiredRooms(ctx), closeReasonExpired)
	h.closeRooms(h.manager.CleanupEmptyRooms(ctx), closeReasonEmpty)
	return errs
}

func (h *Hub) closeRooms(rooms []*domain.Room, reason string) {
	for _, room := range rooms {
		h.broadcast(room.Code, EventRoomClosed, roomClosedPayload{RoomCode: room.Code, Reason: reason})
		h.dropGroup(room.Code)
		logrus.WithFields(logrus.Fields{"room_code": room.Code, "reason": reason}).Info("Room closed")
	}
}

// RunSweeper 在没有任务调度器时按固定间隔执行 Sweep，ctx 取消后返回。
func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.Sweep(ctx); err != nil {
				logrus.WithError(err).Warn("Room sweep finished with errors")
			}
		case <-ctx.Done():
			return
		}
	}
}
