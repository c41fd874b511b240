package hub

import (
	"context"
	"time"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/pages"
	"wikirace-server/internal/service"

	"github.com/sirupsen/logrus"
)

// CreateRoom 创建房间，把 connID 加入广播组并通知创建者。
// WebSocket 和 REST 入口共用此方法。
func (h *Hub) CreateRoom(ctx context.Context, connID, displayName string) (*domain.Room, error) {
	room, err := h.manager.CreateRoom(ctx, connID, displayName)
	if err != nil {
		return nil, err
	}
	h.joinGroup(room.Code, connID)
	h.sendTo(connID, EventRoomCreated, roomCreatedPayload{
		RoomCode: room.Code,
		IsHost:   true,
		Players:  PlayerList(room),
	})
	return room, nil
}

// JoinRoom 加入房间并发出对应的广播：新玩家广播 player_joined，
// 按名字重连广播 player_reconnected，重复加入只回复加入者。
func (h *Hub) JoinRoom(ctx context.Context, roomCode, connID, displayName string) (*service.JoinResult, error) {
	res, err := h.manager.JoinRoom(ctx, roomCode, connID, displayName)
	if err != nil {
		return nil, err
	}
	room, p := res.Room, res.Player
	h.joinGroup(room.Code, connID)

	players := PlayerList(room)
	h.sendTo(connID, EventRoomJoined, roomJoinedPayload{
		RoomCode:    room.Code,
		ConnID:      connID,
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
		Players:     players,
	})
	switch res.Outcome {
	case service.JoinedNew:
		h.broadcastExcept(room.Code, connID, EventPlayerJoined, playerJoinedPayload{
			ConnID:      connID,
			DisplayName: p.DisplayName,
			IsHost:      p.IsHost,
			Players:     players,
		})
	case service.JoinedReconnected:
		h.broadcastExcept(room.Code, connID, EventPlayerReconnected, playerConnectionPayload{
			ConnID:     connID,
			PlayerName: p.DisplayName,
			Players:    players,
		})
	}
	if res.BecameHost && res.Outcome != service.JoinedAlready {
		h.broadcastExcept(room.Code, connID, EventHostTransferred, newHostTransferred(room, connID))
	}
	return res, nil
}

// LeaveRoom 离开房间并通知剩余玩家。比赛中离开的玩家被标记为断线，
// 广播内容与完全移除时一致，另外附带 player_disconnected。
func (h *Hub) LeaveRoom(ctx context.Context, connID string) (*service.LeaveResult, error) {
	res, err := h.manager.LeaveRoom(ctx, connID)
	if err != nil {
		return nil, err
	}
	h.leaveGroup(res.RoomCode, connID)
	h.announceLeave(res)
	return res, nil
}

func (h *Hub) announceLeave(res *service.LeaveResult) {
	code := res.RoomCode
	h.broadcast(code, EventPlayerLeft, playerLeftPayload{
		ConnID:       res.Player.ConnID,
		PlayerName:   res.Player.DisplayName,
		Players:      PlayerList(res.Room),
		Disconnected: res.SoftDisconnected,
	})
	if res.SoftDisconnected {
		h.broadcast(code, EventPlayerDisconnected, playerConnectionPayload{
			ConnID:     res.Player.ConnID,
			PlayerName: res.Player.DisplayName,
		})
	}
	if res.HostChanged() {
		h.broadcast(code, EventHostTransferred, newHostTransferred(res.Room, res.NewHostID))
	}
}

// --- WebSocket 事件 ---

func (h *Hub) onCreateRoom(ctx context.Context, c *Client, p *CreateRoomPayload) error {
	_, err := h.CreateRoom(ctx, c.connID, p.DisplayName)
	return err
}

func (h *Hub) onJoinRoom(ctx context.Context, c *Client, p *JoinRoomPayload) error {
	_, err := h.JoinRoom(ctx, p.RoomCode, c.connID, p.DisplayName)
	return err
}

func (h *Hub) onLeaveRoom(ctx context.Context, c *Client, _ *LeaveRoomPayload) error {
	_, err := h.LeaveRoom(ctx, c.connID)
	return err
}

func (h *Hub) onSelectCategories(ctx context.Context, c *Client, p *SelectCategoriesPayload) error {
	room, err := h.manager.SelectCategories(ctx, c.connID, domain.RaceConfig{
		StartCategory: p.StartCategory,
		EndCategory:   p.EndCategory,
		CustomStart:   p.CustomStart,
		CustomEnd:     p.CustomEnd,
	})
	if err != nil {
		return err
	}
	hostName := ""
	if host := room.Host(); host != nil {
		hostName = host.DisplayName
	}
	h.broadcast(room.Code, EventGameConfigUpdated, gameConfigPayload{
		StartCategory: room.Config.StartCategory,
		EndCategory:   room.Config.EndCategory,
		CustomStart:   room.Config.CustomStart,
		CustomEnd:     room.Config.CustomEnd,
		HostName:      hostName,
	})
	return nil
}

// onStartGame 清除断线玩家，选择页面，广播 game_starting 并安排倒计时。
func (h *Hub) onStartGame(ctx context.Context, c *Client, p *StartGamePayload) error {
	res, err := h.manager.BeginStart(ctx, c.connID)
	if err != nil {
		return err
	}
	code := res.Room.Code
	for _, gone := range res.Purged {
		h.leaveGroup(code, gone.ConnID)
		h.broadcast(code, EventPlayerLeft, playerLeftPayload{
			ConnID:     gone.ConnID,
			PlayerName: gone.DisplayName,
			Players:    PlayerList(res.Room),
		})
	}

	start, end := raceSelections(res.Room.Config, p)
	picked := h.selectPages(ctx, code, start, end)
	room, err := h.manager.SetRacePages(ctx, code, service.RacePages{
		StartURL:   picked.StartURL,
		StartTitle: picked.StartTitle,
		EndURL:     picked.EndURL,
		EndTitle:   picked.EndTitle,
	})
	if err != nil {
		return err
	}

	h.broadcast(code, EventGameStarting, newGameStarting(room, countdownSeconds(h.countdown)))
	if !h.manager.ArmCountdown(code, h.countdown, func() { h.finishCountdown(code) }) {
		return service.ErrRoomNotFound
	}
	return nil
}

func countdownSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// finishCountdown 在计时器 goroutine 中运行；房间可能已经关闭或状态已改变。
func (h *Hub) finishCountdown(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	room, err := h.manager.CompleteCountdown(ctx, code)
	if err != nil {
		logrus.WithError(err).WithField("room_code", code).Info("Countdown fired for a room that is no longer starting")
		return
	}
	h.broadcast(code, EventRoomProgressSync, newProgressSync(room))
	h.broadcast(code, EventGameStarted, newGameStarted(room))
}

// raceSelections 合并 start_game 请求与房间保存的类别配置，未指定时为 Random。
func raceSelections(cfg domain.RaceConfig, p *StartGamePayload) (pages.Selection, pages.Selection) {
	pick := func(requested, saved, custom, savedCustom string) pages.Selection {
		sel := pages.Selection{Category: requested, Custom: custom}
		if sel.Category == "" {
			sel.Category = saved
		}
		if sel.Custom == "" {
			sel.Custom = savedCustom
		}
		if sel.Category == "" {
			sel.Category = pages.SelectionRandom
		}
		return sel
	}
	return pick(p.StartPage, cfg.StartCategory, p.CustomStart, cfg.CustomStart),
		pick(p.EndPage, cfg.EndCategory, p.CustomEnd, cfg.CustomEnd)
}

func (h *Hub) selectPages(ctx context.Context, code string, start, end pages.Selection) pages.Pages {
	if h.selector == nil {
		return pages.Fallback()
	}
	picked, err := h.selector.SelectPages(ctx, start, end)
	if err != nil || picked.StartURL == "" || picked.EndURL == "" {
		logrus.WithError(err).WithField("room_code", code).Warn("Page selection failed, using fallback pages")
		return pages.Fallback()
	}
	return picked
}

func (h *Hub) onPlayerProgress(ctx context.Context, c *Client, p *PlayerProgressPayload) error {
	res, err := h.manager.RecordProgress(ctx, c.connID, p.RoomCode, p.PlayerName, p.PageURL, p.PageTitle)
	if err != nil {
		return err
	}
	if res.Duplicate {
		return nil
	}
	code := res.Room.Code
	h.broadcast(code, EventPlayerProgressUpdate, playerProgressPayload{
		PlayerName:     res.Player.DisplayName,
		CurrentPage:    res.Entry.PageTitle,
		CurrentPageURL: res.Entry.PageURL,
		LinksUsed:      res.Player.LinksClicked,
		TimeElapsed:    res.Entry.TimeElapsed,
	})
	h.broadcast(code, EventRoomProgressSync, newProgressSync(res.Room))
	return nil
}

func (h *Hub) onGameComplete(ctx context.Context, c *Client, p *GameCompletePayload) error {
	res, err := h.manager.RecordCompletion(ctx, c.connID, p.RoomCode, p.PlayerName, p.CompletionTime)
	if err != nil {
		return err
	}
	if res.Duplicate {
		return nil
	}
	code := res.Room.Code
	h.broadcast(code, EventPlayerCompleted, playerCompletedPayload{
		PlayerName:     res.Player.DisplayName,
		CompletionTime: p.CompletionTime,
		LinksUsed:      p.LinksUsed,
	})
	if res.Ended {
		h.broadcast(code, EventGameEnded, gameEndedPayload{
			RoomCode: code,
			Results:  res.Standings,
			Winner:   res.Winner,
		})
	}
	return nil
}

func (h *Hub) onPlayerColorUpdate(ctx context.Context, c *Client, p *PlayerColorPayload) error {
	player, err := h.manager.UpdateColor(ctx, c.connID, p.RoomCode, p.PlayerName, p.ColorHex, p.ColorName)
	if err != nil {
		return err
	}
	code, _ := service.NormalizeRoomCode(p.RoomCode)
	h.broadcast(code, EventPlayerColorUpdated, colorUpdatedPayload{
		PlayerName: player.DisplayName,
		ColorHex:   player.ColorHex,
		ColorName:  player.ColorName,
	})
	return nil
}

func (h *Hub) onSetProfile(ctx context.Context, c *Client, p *SetProfilePayload) error {
	old, room, err := h.manager.Rename(ctx, c.connID, p.DisplayName)
	if err != nil {
		return err
	}
	player, _ := room.Player(c.connID)
	h.broadcast(room.Code, EventPlayerProfileUpdated, profileUpdatedPayload{
		ConnID:  c.connID,
		OldName: old,
		NewName: player.DisplayName,
	})
	return nil
}

func (h *Hub) onPing(ctx context.Context, c *Client, _ *PingPayload) error {
	h.manager.Touch(c.connID)
	h.sendTo(c.connID, EventPong, pongPayload{Timestamp: time.Now().UTC().Format(time.RFC3339)})
	return nil
}
