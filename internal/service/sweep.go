package service

import (
	"context"
	"math"
	"sort"
	"time"

	"wikirace-server/internal/domain"

	"github.com/sirupsen/logrus"
)

// RoomSummary 房间列表中的单条记录
type RoomSummary struct {
	RoomCode    string           `json:"room_code"`
	GameState   domain.GameState `json:"game_state"`
	PlayerCount int              `json:"player_count"`
	IsFull      bool             `json:"is_full"`
	CreatedAt   time.Time        `json:"created_at"`
}

// RoomStats 房间统计
type RoomStats struct {
	TotalRooms            int                      `json:"total_rooms"`
	TotalPlayers          int                      `json:"total_players"`
	StateDistribution     map[domain.GameState]int `json:"state_distribution"`
	AveragePlayersPerRoom float64                  `json:"average_players_per_room"`
}

// InactivePlayer 超过不活跃阈值的玩家
type InactivePlayer struct {
	RoomCode    string
	ConnID      string
	DisplayName string
}

// CleanupExpiredRooms 关闭存在时间超过 TTL 的房间，返回被关闭房间的快照。
func (m *RoomManager) CleanupExpiredRooms(ctx context.Context) []*domain.Room {
	now := m.opts.Now()
	var closed []*domain.Room
	for _, code := range m.roomCodes() {
		room, ok := m.closeRoomIf(code, func(r *domain.Room) bool {
			return now.Sub(r.CreatedAt) > m.opts.RoomTTL
		})
		if ok {
			closed = append(closed, room)
		}
	}
	if len(closed) > 0 {
		logrus.WithField("count", len(closed)).Info("Cleaned up expired rooms")
	}
	return closed
}

// CleanupEmptyRooms 关闭没有活跃玩家且超过宽限期的房间
func (m *RoomManager) CleanupEmptyRooms(ctx context.Context) []*domain.Room {
	now := m.opts.Now()
	var closed []*domain.Room
	for _, code := range m.roomCodes() {
		room, ok := m.closeRoomIf(code, func(r *domain.Room) bool {
			if r.ActiveCount() > 0 {
				return false
			}
			if r.EmptySince == nil {
				return r.PlayerCount() == 0
			}
			return now.Sub(*r.EmptySince) >= m.opts.EmptyRoomGrace
		})
		if ok {
			closed = append(closed, room)
		}
	}
	if len(closed) > 0 {
		logrus.WithField("count", len(closed)).Info("Cleaned up empty rooms")
	}
	return closed
}

// InactivePlayers 列出超过不活跃阈值的在线玩家。
// 比赛进行中使用 InactiveRaceTimeout，其余状态使用 InactiveLobbyTimeout。
func (m *RoomManager) InactivePlayers(now time.Time) []InactivePlayer {
	var out []InactivePlayer
	for _, code := range m.roomCodes() {
		unlock := m.roomLocks.lock(code)
		if entry, ok := m.entry(code); ok {
			for _, p := range entry.room.OrderedPlayers() {
				if !p.Disconnected && m.isInactive(entry.room, p, now) {
					out = append(out, InactivePlayer{RoomCode: code, ConnID: p.ConnID, DisplayName: p.DisplayName})
				}
			}
		}
		unlock()
	}
	return out
}

// EvictInactive 在锁内重新确认玩家仍不活跃，先调用 notify 通知，再走正常的离开流程。
func (m *RoomManager) EvictInactive(ctx context.Context, connID string, notify func(roomCode string)) (*LeaveResult, bool, error) {
	code, ok := m.roomCodeFor(connID)
	if !ok {
		return nil, false, nil
	}
	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()

	entry, ok := m.entry(code)
	if !ok {
		return nil, false, nil
	}
	p, ok := entry.room.Player(connID)
	if !ok || p.Disconnected || !m.isInactive(entry.room, p, m.opts.Now()) {
		return nil, false, nil
	}
	if notify != nil {
		notify(code)
	}
	res, err := m.leaveLocked(code, connID)
	if err != nil {
		return nil, false, err
	}
	logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": connID, "player": p.DisplayName}).Info("Evicted inactive player")
	return res, true, nil
}

func (m *RoomManager) isInactive(room *domain.Room, p *domain.Player, now time.Time) bool {
	timeout := m.opts.InactiveLobbyTimeout
	if room.State == domain.GameStateInProgress {
		timeout = m.opts.InactiveRaceTimeout
	}
	return now.Sub(p.LastActivity) > timeout
}

// ListRooms 按创建时间返回所有房间摘要
func (m *RoomManager) ListRooms() []RoomSummary {
	var out []RoomSummary
	for _, code := range m.roomCodes() {
		unlock := m.roomLocks.lock(code)
		if entry, ok := m.entry(code); ok {
			r := entry.room
			out = append(out, RoomSummary{
				RoomCode:    r.Code,
				GameState:   r.State,
				PlayerCount: r.PlayerCount(),
				IsFull:      r.IsFull(m.opts.MaxPlayers),
				CreatedAt:   r.CreatedAt,
			})
		}
		unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RoomCode < out[j].RoomCode
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats 汇总房间和玩家数量
func (m *RoomManager) Stats() RoomStats {
	stats := RoomStats{StateDistribution: make(map[domain.GameState]int)}
	for _, s := range domain.AllGameStates() {
		stats.StateDistribution[s] = 0
	}
	for _, summary := range m.ListRooms() {
		stats.TotalRooms++
		stats.TotalPlayers += summary.PlayerCount
		stats.StateDistribution[summary.GameState]++
	}
	if stats.TotalRooms > 0 {
		avg := float64(stats.TotalPlayers) / float64(stats.TotalRooms)
		stats.AveragePlayersPerRoom = math.Round(avg*100) / 100
	}
	return stats
}
