package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/repository"

	"github.com/sirupsen/logrus"
)

const (
	maxDisplayNameLength = 50
	maxCodeAttempts      = 100
	codeLetters          = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var roomCodePattern = regexp.MustCompile(`^[A-Z]{4}$`)

// Options 控制 RoomManager 的容量和各类超时
type Options struct {
	MaxPlayers           int
	RoomTTL              time.Duration
	EmptyRoomGrace       time.Duration
	InactiveLobbyTimeout time.Duration
	InactiveRaceTimeout  time.Duration
	MirrorTimeout        time.Duration
	Now                  func() time.Time
	CodeGenerator        func() (string, error)
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		MaxPlayers:           domain.MaxPlayersPerRoom,
		RoomTTL:              2 * time.Hour,
		EmptyRoomGrace:       5 * time.Minute,
		InactiveLobbyTimeout: 4 * time.Minute,
		InactiveRaceTimeout:  5 * time.Minute,
		MirrorTimeout:        3 * time.Second,
		Now:                  time.Now,
		CodeGenerator:        randomRoomCode,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxPlayers <= 0 || o.MaxPlayers > domain.MaxPlayersPerRoom {
		o.MaxPlayers = d.MaxPlayers
	}
	if o.RoomTTL <= 0 {
		o.RoomTTL = d.RoomTTL
	}
	if o.EmptyRoomGrace <= 0 {
		o.EmptyRoomGrace = d.EmptyRoomGrace
	}
	if o.InactiveLobbyTimeout <= 0 {
		o.InactiveLobbyTimeout = d.InactiveLobbyTimeout
	}
	if o.InactiveRaceTimeout <= 0 {
		o.InactiveRaceTimeout = d.InactiveRaceTimeout
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = d.MirrorTimeout
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.CodeGenerator == nil {
		o.CodeGenerator = d.CodeGenerator
	}
	return o
}

type roomEntry struct {
	room      *domain.Room
	countdown *time.Timer
}

// RoomManager 是房间和玩家状态的唯一修改者。
// 每个房间码、每个连接 ID 各有一把锁，固定先房间后玩家的加锁顺序。
// mu 只保护 rooms 和 playerRoom 两个索引本身。
// 返回给调用方的 *domain.Room 都是快照，修改它们不会影响内部状态。
type RoomManager struct {
	opts   Options
	mirror repository.RoomMirror

	roomLocks   *lockRegistry
	playerLocks *lockRegistry

	mu         sync.RWMutex
	rooms      map[string]*roomEntry
	playerRoom map[string]string // 连接 ID -> 房间码

	mirrorWG sync.WaitGroup
	// mirrorMu 保护 mirrorTail：每个房间码最后一个排队的镜像操作，
	// 同一房间的写入和删除按发起顺序依次执行。
	mirrorMu   sync.Mutex
	mirrorTail map[string]chan struct{}
}

// NewRoomManager 创建 RoomManager。mirror 为 nil 时不做镜像。
func NewRoomManager(mirror repository.RoomMirror, opts Options) *RoomManager {
	if mirror == nil {
		mirror = repository.NoopMirror{}
	}
	return &RoomManager{
		opts:        opts.withDefaults(),
		mirror:      mirror,
		roomLocks:   newLockRegistry(),
		playerLocks: newLockRegistry(),
		rooms:       make(map[string]*roomEntry),
		playerRoom:  make(map[string]string),
		mirrorTail:  make(map[string]chan struct{}),
	}
}

// Options 返回生效的配置
func (m *RoomManager) Options() Options { return m.opts }

// JoinOutcome 描述 JoinRoom 实际走了哪条路径
type JoinOutcome int

const (
	JoinedNew JoinOutcome = iota
	JoinedAlready
	JoinedReconnected
)

// JoinResult JoinRoom 的结果
type JoinResult struct {
	Room       *domain.Room
	Player     *domain.Player
	Outcome    JoinOutcome
	BecameHost bool
	// PreviousConnID 重连前的连接 ID
	PreviousConnID string
}

// LeaveResult LeaveRoom 的结果
type LeaveResult struct {
	RoomCode         string
	Room             *domain.Room
	Player           *domain.Player
	WasHost          bool
	NewHostID        string
	SoftDisconnected bool
}

// HostChanged 报告离开是否导致房主转移给了另一位玩家
func (r LeaveResult) HostChanged() bool { return r.WasHost && r.NewHostID != "" }

// NormalizeRoomCode 去空白并转为大写，格式不对时返回 ErrInvalidRoomCode。
func NormalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !roomCodePattern.MatchString(code) {
		return "", ErrInvalidRoomCode
	}
	return code, nil
}

// NormalizeDisplayName 去空白并校验长度
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLength {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}

// CreateRoom 创建房间并把调用者设为房主
func (m *RoomManager) CreateRoom(ctx context.Context, connID, displayName string) (*domain.Room, error) {
	if connID == "" {
		return nil, ErrInvalidConnID
	}
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": connID, "player": name})

	unlockPlayer := m.playerLocks.lock(connID)
	defer unlockPlayer()

	if code, ok := m.roomCodeFor(connID); ok {
		logCtx.WithField("room_code", code).Warn("CreateRoom: connection already in a room")
		return nil, ErrAlreadyInRoom
	}

	now := m.opts.Now()
	host := domain.NewPlayer(connID, name, now)

	m.mu.Lock()
	code, err := m.generateUniqueRoomCode()
	if err != nil {
		m.mu.Unlock()
		logCtx.WithError(err).Error("CreateRoom: failed to generate room code")
		return nil, ErrCodeSpaceExhausted
	}
	room := domain.NewRoom(code, host, now)
	room.Bump()
	m.rooms[code] = &roomEntry{room: room}
	m.playerRoom[connID] = code
	snapshot := room.Clone()
	// 在释放索引锁前排队，保证它排在该房间后续任何镜像操作之前
	m.mirrorSave(snapshot)
	m.mu.Unlock()

	logCtx.WithField("room_code", code).Info("Room created")
	return snapshot, nil
}

// JoinRoom 加入房间。同一连接同名重复加入是空操作；
// 名字与断线玩家相同时视为重连，换绑连接 ID 并保留进度。
func (m *RoomManager) JoinRoom(ctx context.Context, roomCode, connID, displayName string) (*JoinResult, error) {
	if connID == "" {
		return nil, ErrInvalidConnID
	}
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return nil, err
	}
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "conn_id": connID, "player": name})

	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()

	entry, ok := m.entry(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	room := entry.room

	if existing, ok := m.roomCodeFor(connID); ok && existing != code {
		return nil, ErrAlreadyInRoom
	}

	if p, ok := room.Player(connID); ok {
		if !p.Disconnected {
			if p.DisplayName == name {
				return &JoinResult{Room: room.Clone(), Player: p.Clone(), Outcome: JoinedAlready}, nil
			}
			return nil, ErrAlreadyInRoom
		}
		// 断线记录仍占着这个连接 ID，只能以原名重连
		if p.DisplayName != name {
			logCtx.WithField("previous_name", p.DisplayName).Warn("JoinRoom: connection still owns a disconnected player")
			return nil, ErrAlreadyInRoom
		}
	}

	if room.ActivePlayerByName(name) != nil {
		logCtx.Warn("JoinRoom: display name collides with an active player")
		return nil, ErrNameTaken
	}

	now := m.opts.Now()
	if ghost := room.DisconnectedPlayerByName(name); ghost != nil {
		if err := checkState(opReconnect, room.State); err != nil {
			return nil, err
		}
		previous := ghost.ConnID
		p := room.RebindPlayer(previous, connID)
		p.Disconnected = false
		p.LastActivity = now
		becameHost := false
		if room.HostID == "" {
			room.SetHost(connID)
			becameHost = true
		}
		room.EmptySince = nil
		room.Bump()
		m.setPlayerRoom(connID, code)

		m.mirrorSave(room.Clone())
		logCtx.WithField("previous_conn_id", previous).Info("Player reconnected")
		return &JoinResult{
			Room:           room.Clone(),
			Player:         p.Clone(),
			Outcome:        JoinedReconnected,
			BecameHost:     becameHost,
			PreviousConnID: previous,
		}, nil
	}

	if err := checkState(opJoin, room.State); err != nil {
		return nil, err
	}
	if room.IsFull(m.opts.MaxPlayers) {
		logCtx.Warn("JoinRoom: room is full")
		return nil, ErrRoomFull
	}

	p := domain.NewPlayer(connID, name, now)
	if !room.AddPlayer(p) {
		return nil, ErrAlreadyInRoom
	}
	becameHost := false
	if room.HostID == "" {
		room.SetHost(connID)
		becameHost = true
	}
	room.EmptySince = nil
	room.Bump()
	m.setPlayerRoom(connID, code)

	m.mirrorSave(room.Clone())
	logCtx.Info("Player joined room")
	return &JoinResult{Room: room.Clone(), Player: p.Clone(), Outcome: JoinedNew, BecameHost: becameHost}, nil
}

// LeaveRoom 让连接离开所在房间。
// 房主离开时先转移房主再移除；比赛进行中只标记断线，保留进度。
func (m *RoomManager) LeaveRoom(ctx context.Context, connID string) (*LeaveResult, error) {
	if connID == "" {
		return nil, ErrInvalidConnID
	}
	for attempt := 0; attempt < 3; attempt++ {
		code, ok := m.roomCodeFor(connID)
		if !ok {
			return nil, ErrNotInRoom
		}
		unlock := m.lockRoomAndPlayer(code, connID)
		// 加锁前映射可能已经变化，重新确认
		if current, ok := m.roomCodeFor(connID); !ok || current != code {
			unlock()
			continue
		}
		res, err := m.leaveLocked(code, connID)
		unlock()
		return res, err
	}
	return nil, ErrNotInRoom
}

// leaveLocked 调用方必须持有房间锁和玩家锁
func (m *RoomManager) leaveLocked(code, connID string) (*LeaveResult, error) {
	entry, ok := m.entry(code)
	if !ok {
		m.dropPlayerRoom(connID, code)
		return nil, ErrRoomNotFound
	}
	room := entry.room
	p, ok := room.Player(connID)
	if !ok {
		m.dropPlayerRoom(connID, code)
		return nil, ErrNotInRoom
	}
	if err := checkState(opLeave, room.State); err != nil {
		return nil, err
	}

	res := &LeaveResult{RoomCode: code, WasHost: room.IsHost(connID)}
	if res.WasHost {
		res.NewHostID = room.TransferHost(connID)
	}

	now := m.opts.Now()
	if room.State == domain.GameStateInProgress {
		p.Disconnected = true
		p.IsHost = false
		res.SoftDisconnected = true
	} else {
		room.RemovePlayer(connID)
	}
	m.dropPlayerRoom(connID, code)

	if room.ActiveCount() == 0 {
		room.ClearHost()
		res.NewHostID = ""
		if room.EmptySince == nil {
			empty := now
			room.EmptySince = &empty
		}
	}
	room.Bump()

	res.Room = room.Clone()
	res.Player = p.Clone()
	m.mirrorSave(res.Room)

	logrus.WithFields(logrus.Fields{
		"room_code":         code,
		"conn_id":           connID,
		"player":            p.DisplayName,
		"soft_disconnected": res.SoftDisconnected,
		"new_host_id":       res.NewHostID,
	}).Info("Player left room")
	return res, nil
}

// TransferHost 把房主转给下一位活跃玩家，返回新房主连接 ID。
// 没有其他活跃玩家时保持现任房主不变。
func (m *RoomManager) TransferHost(ctx context.Context, roomCode string) (string, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return "", err
	}
	unlock := m.roomLocks.lock(code)
	defer unlock()

	entry, ok := m.entry(code)
	if !ok {
		return "", ErrRoomNotFound
	}
	room := entry.room
	next := room.NextHostCandidate(room.HostID)
	if next == "" {
		return room.HostID, nil
	}
	room.SetHost(next)
	room.Bump()
	m.mirrorSave(room.Clone())
	logrus.WithFields(logrus.Fields{"room_code": code, "new_host_id": next}).Info("Host transferred")
	return next, nil
}

// CloseRoom 移除房间及其所有连接映射，返回被关闭房间的快照。
func (m *RoomManager) CloseRoom(ctx context.Context, roomCode string) (*domain.Room, bool) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return nil, false
	}
	return m.closeRoomIf(code, func(*domain.Room) bool { return true })
}

// closeRoomIf 在房间锁内检查 pred，满足时关闭房间
func (m *RoomManager) closeRoomIf(code string, pred func(*domain.Room) bool) (*domain.Room, bool) {
	unlock := m.roomLocks.lock(code)
	defer unlock()

	m.mu.Lock()
	entry, ok := m.rooms[code]
	if !ok || !pred(entry.room) {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.rooms, code)
	for _, p := range entry.room.OrderedPlayers() {
		if m.playerRoom[p.ConnID] == code {
			delete(m.playerRoom, p.ConnID)
		}
	}
	m.mu.Unlock()

	if entry.countdown != nil {
		entry.countdown.Stop()
	}
	m.mirrorDelete(code)
	logrus.WithFields(logrus.Fields{"room_code": code, "players": entry.room.PlayerCount()}).Info("Room closed")
	return entry.room.Clone(), true
}

// GetRoom 返回房间快照
func (m *RoomManager) GetRoom(roomCode string) (*domain.Room, error) {
	code, err := NormalizeRoomCode(roomCode)
	if err != nil {
		return nil, err
	}
	unlock := m.roomLocks.lock(code)
	defer unlock()
	entry, ok := m.entry(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return entry.room.Clone(), nil
}

// GetRoomByPlayer 返回连接所在房间的快照
func (m *RoomManager) GetRoomByPlayer(connID string) (*domain.Room, error) {
	code, ok := m.roomCodeFor(connID)
	if !ok {
		return nil, ErrNotInRoom
	}
	return m.GetRoom(code)
}

// GetPlayer 返回连接对应玩家的快照
func (m *RoomManager) GetPlayer(connID string) (*domain.Player, error) {
	room, err := m.GetRoomByPlayer(connID)
	if err != nil {
		return nil, err
	}
	p, ok := room.Player(connID)
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return p, nil
}

// RoomCodeFor 返回连接当前所在的房间码
func (m *RoomManager) RoomCodeFor(connID string) (string, bool) {
	return m.roomCodeFor(connID)
}

// ConnIDForName 按显示名查找房间中玩家的连接 ID
func (m *RoomManager) ConnIDForName(roomCode, displayName string) (string, error) {
	room, err := m.GetRoom(roomCode)
	if err != nil {
		return "", err
	}
	p := room.PlayerByName(strings.TrimSpace(displayName))
	if p == nil {
		return "", ErrPlayerNotFound
	}
	return p.ConnID, nil
}

// Touch 刷新玩家的最后活跃时间
func (m *RoomManager) Touch(connID string) bool {
	code, ok := m.roomCodeFor(connID)
	if !ok {
		return false
	}
	unlock := m.lockRoomAndPlayer(code, connID)
	defer unlock()
	entry, ok := m.entry(code)
	if !ok {
		return false
	}
	p, ok := entry.room.Player(connID)
	if !ok {
		return false
	}
	p.LastActivity = m.opts.Now()
	return true
}

// Flush 等待所有进行中的镜像写入完成
func (m *RoomManager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.mirrorWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止所有倒计时并等待镜像写入完成
func (m *RoomManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, entry := range m.rooms {
		if entry.countdown != nil {
			entry.countdown.Stop()
			entry.countdown = nil
		}
	}
	m.mu.Unlock()
	return m.Flush(ctx)
}

// --- 私有辅助函数 ---

func (m *RoomManager) lockRoomAndPlayer(code, connID string) func() {
	unlockRoom := m.roomLocks.lock(code)
	unlockPlayer := m.playerLocks.lock(connID)
	return func() {
		unlockPlayer()
		unlockRoom()
	}
}

func (m *RoomManager) entry(code string) (*roomEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rooms[code]
	return e, ok
}

func (m *RoomManager) roomCodeFor(connID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.playerRoom[connID]
	return code, ok
}

func (m *RoomManager) setPlayerRoom(connID, code string) {
	m.mu.Lock()
	m.playerRoom[connID] = code
	m.mu.Unlock()
}

func (m *RoomManager) dropPlayerRoom(connID, code string) {
	m.mu.Lock()
	if m.playerRoom[connID] == code {
		delete(m.playerRoom, connID)
	}
	m.mu.Unlock()
}

// roomCodes 返回当前所有房间码
func (m *RoomManager) roomCodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	codes := make([]string, 0, len(m.rooms))
	for code := range m.rooms {
		codes = append(codes, code)
	}
	return codes
}

// generateUniqueRoomCode 调用方必须持有 m.mu 写锁
func (m *RoomManager) generateUniqueRoomCode() (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := m.opts.CodeGenerator()
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		if _, exists := m.rooms[code]; !exists {
			if attempt > 0 {
				logrus.WithField("room_code", code).Debugf("Generated unique room code after %d attempt(s)", attempt+1)
			}
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique room code after %d attempts", maxCodeAttempts)
}

func randomRoomCode() (string, error) {
	b := make([]byte, domain.RoomCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	for i := range b {
		b[i] = codeLetters[int(b[i])%len(codeLetters)]
	}
	return string(b), nil
}

// enqueueMirror 在 code 的镜像队列末尾追加 op。调用方持有房间锁，
// 因此排队顺序与状态变更顺序一致。
func (m *RoomManager) enqueueMirror(code string, op func(ctx context.Context)) {
	done := make(chan struct{})
	m.mirrorMu.Lock()
	prev := m.mirrorTail[code]
	m.mirrorTail[code] = done
	m.mirrorMu.Unlock()

	m.mirrorWG.Add(1)
	go func() {
		defer m.mirrorWG.Done()
		defer func() {
			close(done)
			m.mirrorMu.Lock()
			if m.mirrorTail[code] == done {
				delete(m.mirrorTail, code)
			}
			m.mirrorMu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.MirrorTimeout)
		defer cancel()
		op(ctx)
	}()
}

func (m *RoomManager) mirrorSave(snapshot *domain.Room) {
	m.enqueueMirror(snapshot.Code, func(ctx context.Context) {
		err := m.mirror.SaveRoom(ctx, snapshot)
		if errors.Is(err, repository.ErrStaleRevision) {
			logrus.WithFields(logrus.Fields{"room_code": snapshot.Code, "revision": snapshot.Revision}).Debug("Skipped stale room mirror write")
			return
		}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_code": snapshot.Code,
				"revision":  snapshot.Revision,
			}).Warn("Room mirror save failed")
		}
	})
}

func (m *RoomManager) mirrorDelete(code string) {
	m.enqueueMirror(code, func(ctx context.Context) {
		if err := m.mirror.DeleteRoom(ctx, code); err != nil {
			logrus.WithError(err).WithField("room_code", code).Warn("Room mirror delete failed")
		}
	})
}
