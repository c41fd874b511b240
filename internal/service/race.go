package service

import (
	"context"
	"strings"
	"time"

	"wikirace-server/internal/domain"

	"github.com/sirupsen/logrus"
)

// RacePages 一局比赛的起点和终点
type RacePages struct {
	StartURL   string
	StartTitle string
	EndURL     string
	EndTitle   string
}

// StartResult BeginStart 的结果
type StartResult struct {
	Room   *domain.Room
	Purged []*domain.Player
}

// ProgressResult RecordProgress 的结果
type ProgressResult struct {
	Room      *domain.Room
	Player    *domain.Player
	Entry     domain.NavigationEntry
	Duplicate bool
}

// CompletionResult RecordCompletion 的结果
type CompletionResult struct {
	Room      *domain.Room
	Player    *domain.Player
	Duplicate bool
	// Ended 表示这次完成结束了比赛，Standings 和 Winner 仅此时有效
	Ended     bool
	Standings []domain.Standing
	Winner    string
}

// SelectCategories 房主保存比赛类别配置
func (m *RoomManager) SelectCategories(ctx context.Context, connID string, cfg domain.RaceConfig) (*domain.Room, error) {
	code, ok := m.roomCodeFor(connID)
	if !ok {
		return nil, ErrNotInRoom
	}
	unlock := m.roomLocks.lock(code)
	defer unlock()

	entry, ok := m.entry(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	room := entry.room
	if !room.IsHost(connID) {
		return nil, ErrNotHost
	}
	if err := checkState(opConfigure, room.State); err != nil {
		return nil, err
	}
	room.Config = domain.RaceConfig{
		StartCategory: strings.TrimSpace(cfg.StartCategory),
		EndCategory:   strings.TrimSpace(cfg.EndCategory),
		CustomStart:   strings.TrimSpace(cfg.CustomStart),
		CustomEnd:     strings.TrimSpace(cfg.CustomEnd),
	}
	room.Bump()
	snapshot := room.Clone()
	m.mirrorSave(snapshot)
	return snapshot, nil
}

// BeginStart 房主发起比赛：已完成的房间先回到大厅，
// 清除断线玩家后进入 STARTING。活跃玩家少于 2 人时拒绝。
func (m *RoomManager) BeginStart(ctx context.Context, connID string) (*StartResult, error) {
	code, ok := m.roomCodeFor(connID)
	if !ok {
		return nil, ErrNotInRoom
	}
	unlock := m.roomLocks.lock(code)
	defer unlock()

	entry, ok := m.entry(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	room := entry.room
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": connID})

	if !room.IsHost(connID) {
		return nil, ErrNotHost
	}
	state := room.State
	if state == domain.GameStateCompleted {
		state = domain.GameStateLobby
	}
	if err := checkState(opStart, state); err != nil {
		return nil, err
	}
	if room.ActiveCount() < 2 {
		return nil, ErrNotEnoughPlayers
	}

	var purged []*domain.Player
	for _, p := range room.OrderedPlayers() {
		if p.Disconnected {
			purged = append(purged, room.RemovePlayer(p.ConnID).Clone())
		}
	}
	room.State = domain.GameStateStarting
	room.StartURL, room.StartTitle, room.EndURL, room.EndTitle = "", "", "", ""
	room.Bump()

	snapshot := room.Clone()
	m.mirrorSave(snapshot)
	logCtx.WithField("purged", len(purged)).Info("Race starting")
	return &StartResult{Room: snapshot, Purged: purged}, nil
}

// SetRacePages 记录本局的起终点，房间必须仍处于 STARTING。
func (m *RoomManager) SetRacePages(ctx context.Context, roomCode string, pages RacePages) (*domain.Room, error) {
	unlock := m.roomLocks.lock(roomCode)
	defer unlock()

	entry, ok := m.entry(roomCode)
	if !ok {
		return nil, ErrRoomNotFound
	}
	room := entry.room
	if room.State != domain.GameStateStarting {
		return nil, ErrInvalidState
	}
	room.StartURL = pages.StartURL
	room.StartTitle = pages.StartTitle
	room.EndURL = pages.EndURL
	room.EndTitle = pages.EndTitle
	room.Bump()

	snapshot := room.Clone()
	m.mirrorSave(snapshot)
	return snapshot, nil
}

// ArmCountdown 为房间安排倒计时，delay 之后调用 fire。
// 同一房间再次安排会替换之前的计时器；房间关闭时计时器被停止。
func (m *RoomManager) ArmCountdown(roomCode string, delay time.Duration, fire func()) bool {
	unlock := m.roomLocks.lock(roomCode)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rooms[roomCode]
	if !ok {
		return false
	}
	if entry.countdown != nil {
		entry.countdown.Stop()
	}
	entry.countdown = time.AfterFunc(delay, fire)
	return true
}

// CompleteCountdown 倒计时结束：重新确认房间存在且仍在 STARTING，
// 然后清空所有玩家进度并进入 IN_PROGRESS。
func (m *RoomManager) CompleteCountdown(ctx context.Context, roomCode string) (*domain.Room, error) {
	unlock := m.roomLocks.lock(roomCode)
	defer unlock()

	m.mu.Lock()
	entry, ok := m.rooms[roomCode]
	if ok {
		entry.countdown = nil
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	room := entry.room
	if room.State != domain.GameStateStarting {
		return nil, ErrInvalidState
	}
	room.State = domain.GameStateInProgress
	room.ResetRace(m.opts.Now())
	room.Bump()

	snapshot := room.Clone()
	m.mirrorSave(snapshot)
	logrus.WithField("room_code", roomCode).Info("Race started")
	return snapshot, nil
}

// RecordProgress 记录一次导航。玩家按显示名定位，且必须属于发送方连接。
// 与最后一条记录相同的上报被视为重复，不修改状态。
func (m *RoomManager) RecordProgress(ctx context.Context, connID, roomCode, playerName, pageURL, pageTitle string) (*ProgressResult, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return nil, err
	}
	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()

	room, p, err := m.ownedPlayer(code, connID, playerName)
	if err != nil {
		return nil, err
	}
	if err := checkState(opProgress, room.State); err != nil {
		return nil, err
	}

	now := m.opts.Now()
	if p.IsDuplicateNavigation(pageURL, pageTitle) {
		p.LastActivity = now
		last, _ := p.LastNavigation()
		return &ProgressResult{Room: room.Clone(), Player: p.Clone(), Entry: last, Duplicate: true}, nil
	}
	entry := p.AddNavigation(pageURL, pageTitle, room.GameStartedAt, now)
	room.Bump()

	snapshot := room.Clone()
	m.mirrorSave(snapshot)
	return &ProgressResult{Room: snapshot, Player: p.Clone(), Entry: entry}, nil
}

// RecordCompletion 记录玩家完成比赛。
// 使已完成人数变为 1 的那次完成结束比赛并计算排名；之后的完成只记录，不重新排名。
func (m *RoomManager) RecordCompletion(ctx context.Context, connID, roomCode, playerName string, completionTime float64) (*CompletionResult, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return nil, err
	}
	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()

	room, p, err := m.ownedPlayer(code, connID, playerName)
	if err != nil {
		return nil, err
	}
	if err := checkState(opComplete, room.State); err != nil {
		return nil, err
	}
	if p.Completed {
		return &CompletionResult{Room: room.Clone(), Player: p.Clone(), Duplicate: true}, nil
	}
	if completionTime < 0 {
		completionTime = 0
	}

	p.MarkCompleted(completionTime, room.NextFinishOrder(), m.opts.Now())
	res := &CompletionResult{}
	if room.State == domain.GameStateInProgress && room.CompletedCount() == 1 {
		room.State = domain.GameStateCompleted
		res.Ended = true
		res.Standings = room.Standings()
		if len(res.Standings) > 0 {
			res.Winner = res.Standings[0].PlayerName
		}
	}
	room.Bump()

	res.Room = room.Clone()
	res.Player = p.Clone()
	m.mirrorSave(res.Room)
	logrus.WithFields(logrus.Fields{
		"room_code":    code,
		"player":       p.DisplayName,
		"finish_order": p.FinishOrder,
		"race_ended":   res.Ended,
	}).Info("Player completed race")
	return res, nil
}

// UpdateColor 修改玩家颜色
func (m *RoomManager) UpdateColor(ctx context.Context, connID, roomCode, playerName, colorHex, colorName string) (*domain.Player, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return nil, err
	}
	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()

	room, p, err := m.ownedPlayer(code, connID, playerName)
	if err != nil {
		return nil, err
	}
	p.ColorHex = colorHex
	p.ColorName = colorName
	p.LastActivity = m.opts.Now()
	room.Bump()
	m.mirrorSave(room.Clone())
	return p.Clone(), nil
}

// Rename 修改发送方的显示名，新名字不能与其他活跃玩家重复。返回旧名字。
func (m *RoomManager) Rename(ctx context.Context, connID, displayName string) (string, *domain.Room, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return "", nil, err
	}
	code, ok := m.roomCodeFor(connID)
	if !ok {
		return "", nil, ErrNotInRoom
	}
	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()

	entry, ok := m.entry(code)
	if !ok {
		return "", nil, ErrRoomNotFound
	}
	room := entry.room
	p, ok := room.Player(connID)
	if !ok {
		return "", nil, ErrNotInRoom
	}
	if other := room.ActivePlayerByName(name); other != nil && other.ConnID != connID {
		return "", nil, ErrNameTaken
	}
	old := p.DisplayName
	p.DisplayName = name
	p.LastActivity = m.opts.Now()
	room.Bump()

	snapshot := room.Clone()
	m.mirrorSave(snapshot)
	return old, snapshot, nil
}

// ownedPlayer 按显示名找到玩家并确认其属于 connID 且仍在房间内。调用方必须持有房间锁。
func (m *RoomManager) ownedPlayer(code, connID, playerName string) (*domain.Room, *domain.Player, error) {
	entry, ok := m.entry(code)
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	room := entry.room
	p := room.PlayerByName(strings.TrimSpace(playerName))
	if p == nil {
		return nil, nil, ErrPlayerNotFound
	}
	if p.ConnID != connID {
		return nil, nil, ErrNotYourPlayer
	}
	// 已离开 (比赛中断线保留) 的玩家在重连前不能再提交任何事件
	if current, ok := m.roomCodeFor(connID); p.Disconnected || !ok || current != code {
		return nil, nil, ErrNotInRoom
	}
	return room, p, nil
}
