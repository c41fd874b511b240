package domain

import (
	"time"
)

// GameState 房间所处的比赛阶段
type GameState string

const (
	GameStateLobby      GameState = "lobby"
	GameStateStarting   GameState = "starting"
	GameStateInProgress GameState = "in_progress"
	GameStateCompleted  GameState = "completed"
	// GameStateAbandoned 为保留值，目前没有任何转换会进入该状态。
	GameStateAbandoned GameState = "abandoned"
)

// AllGameStates 按声明顺序返回所有状态，用于统计。
func AllGameStates() []GameState {
	return []GameState{GameStateLobby, GameStateStarting, GameStateInProgress, GameStateCompleted, GameStateAbandoned}
}

const (
	// MaxPlayersPerRoom 单个房间的玩家上限 (包括断线保留的玩家)
	MaxPlayersPerRoom = 10
	// RoomCodeLength 房间码长度
	RoomCodeLength = 4
)

// RaceConfig 房主最近一次选择的起终点类别
type RaceConfig struct {
	StartCategory string `json:"start_category"`
	EndCategory   string `json:"end_category"`
	CustomStart   string `json:"custom_start,omitempty"`
	CustomEnd     string `json:"custom_end,omitempty"`
}

// Room 是一个短期的多人比赛会话。
// 玩家以连接 ID 为键保存，order 记录加入顺序；房间不持有任何反向指针。
type Room struct {
	Code          string
	HostID        string // 空字符串表示当前没有房主
	State         GameState
	StartURL      string
	EndURL        string
	StartTitle    string
	EndTitle      string
	Config        RaceConfig
	CreatedAt     time.Time
	GameStartedAt *time.Time
	// EmptySince 记录房间从何时起没有活跃玩家，用于空房间宽限期。
	EmptySince *time.Time
	// Revision 每次变更递增，镜像存储据此丢弃过期写入。
	Revision uint64

	players map[string]*Player
	order   []string
}

// NewRoom 创建房间并把 host 设为房主
func NewRoom(code string, host *Player, now time.Time) *Room {
	r := &Room{
		Code:      code,
		State:     GameStateLobby,
		CreatedAt: now,
		players:   make(map[string]*Player),
	}
	if host != nil {
		r.AddPlayer(host)
		r.SetHost(host.ConnID)
	}
	return r
}

// PlayerCount 返回房间内全部玩家数 (包括断线保留的)
func (r *Room) PlayerCount() int { return len(r.players) }

// ActiveCount 返回未断线的玩家数
func (r *Room) ActiveCount() int {
	n := 0
	for _, p := range r.players {
		if !p.Disconnected {
			n++
		}
	}
	return n
}

func (r *Room) IsFull(maxPlayers int) bool { return len(r.players) >= maxPlayers }

func (r *Room) Player(connID string) (*Player, bool) {
	p, ok := r.players[connID]
	return p, ok
}

// PlayerByName 按显示名查找玩家 (不区分是否断线)，活跃玩家优先。
func (r *Room) PlayerByName(name string) *Player {
	if p := r.ActivePlayerByName(name); p != nil {
		return p
	}
	return r.DisconnectedPlayerByName(name)
}

func (r *Room) ActivePlayerByName(name string) *Player {
	for _, id := range r.order {
		if p := r.players[id]; !p.Disconnected && p.DisplayName == name {
			return p
		}
	}
	return nil
}

func (r *Room) DisconnectedPlayerByName(name string) *Player {
	for _, id := range r.order {
		if p := r.players[id]; p.Disconnected && p.DisplayName == name {
			return p
		}
	}
	return nil
}

// OrderedPlayers 按加入顺序返回玩家
func (r *Room) OrderedPlayers() []*Player {
	out := make([]*Player, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.players[id])
	}
	return out
}

// ActiveConnIDs 返回仍然在线的玩家连接 ID，按加入顺序。
func (r *Room) ActiveConnIDs() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if !r.players[id].Disconnected {
			out = append(out, id)
		}
	}
	return out
}

// AddPlayer 把玩家加入房间末尾，连接 ID 已存在时拒绝并返回 false。
// 调用者负责容量检查。
func (r *Room) AddPlayer(p *Player) bool {
	if _, exists := r.players[p.ConnID]; exists {
		return false
	}
	r.players[p.ConnID] = p
	r.order = append(r.order, p.ConnID)
	return true
}

// RemovePlayer 移除玩家；若其为房主则同时清空房主。
func (r *Room) RemovePlayer(connID string) *Player {
	p, ok := r.players[connID]
	if !ok {
		return nil
	}
	delete(r.players, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.HostID == connID {
		r.HostID = ""
		p.IsHost = false
	}
	return p
}

// RebindPlayer 把玩家换绑到新的连接 ID，保留其在加入顺序中的位置。
func (r *Room) RebindPlayer(oldID, newID string) *Player {
	p, ok := r.players[oldID]
	if !ok {
		return nil
	}
	delete(r.players, oldID)
	p.ConnID = newID
	r.players[newID] = p
	for i, id := range r.order {
		if id == oldID {
			r.order[i] = newID
			break
		}
	}
	if r.HostID == oldID {
		r.HostID = newID
	}
	return p
}

func (r *Room) IsHost(connID string) bool { return connID != "" && r.HostID == connID }

// Host 返回当前房主
func (r *Room) Host() *Player {
	if r.HostID == "" {
		return nil
	}
	return r.players[r.HostID]
}

// SetHost 指定新房主并同步所有玩家的 IsHost 标志
func (r *Room) SetHost(connID string) {
	r.HostID = connID
	for id, p := range r.players {
		p.IsHost = id == connID
	}
}

func (r *Room) ClearHost() { r.SetHost("") }

// NextHostCandidate 按加入顺序返回第一个不是 excluding 的活跃玩家。
func (r *Room) NextHostCandidate(excluding string) string {
	for _, id := range r.order {
		if id != excluding && !r.players[id].Disconnected {
			return id
		}
	}
	return ""
}

// TransferHost 把房主转给下一位活跃玩家，没有候选人时清空房主并返回空字符串。
func (r *Room) TransferHost(departing string) string {
	next := r.NextHostCandidate(departing)
	r.SetHost(next)
	return next
}

// CompletedCount 返回已完成比赛的玩家数
func (r *Room) CompletedCount() int {
	n := 0
	for _, p := range r.players {
		if p.Completed {
			n++
		}
	}
	return n
}

// NextFinishOrder 返回下一位完成者的到达序号
func (r *Room) NextFinishOrder() int {
	max := 0
	for _, p := range r.players {
		if p.FinishOrder > max {
			max = p.FinishOrder
		}
	}
	return max + 1
}

// ResetRace 清空所有玩家进度并记录比赛开始时间
func (r *Room) ResetRace(now time.Time) {
	for _, p := range r.players {
		p.ResetProgress(now)
	}
	started := now
	r.GameStartedAt = &started
}

// Bump 标记一次变更
func (r *Room) Bump() { r.Revision++ }

// Clone 深拷贝房间，供锁外读取和镜像写入使用。
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.players = make(map[string]*Player, len(r.players))
	for id, p := range r.players {
		cp.players[id] = p.Clone()
	}
	cp.order = append([]string(nil), r.order...)
	if r.GameStartedAt != nil {
		t := *r.GameStartedAt
		cp.GameStartedAt = &t
	}
	if r.EmptySince != nil {
		t := *r.EmptySince
		cp.EmptySince = &t
	}
	return &cp
}
