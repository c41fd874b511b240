package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// roomJSON 是 Room 的序列化形式，players 以数组保存以保留加入顺序。
type roomJSON struct {
	RoomCode      string     `json:"room_code"`
	HostID        string     `json:"host_id,omitempty"`
	GameState     GameState  `json:"game_state"`
	Players       []*Player  `json:"players"`
	StartURL      string     `json:"start_url,omitempty"`
	EndURL        string     `json:"end_url,omitempty"`
	StartTitle    string     `json:"start_title,omitempty"`
	EndTitle      string     `json:"end_title,omitempty"`
	Config        RaceConfig `json:"config"`
	CreatedAt     time.Time  `json:"created_at"`
	GameStartedAt *time.Time `json:"game_started_at"`
	EmptySince    *time.Time `json:"empty_since,omitempty"`
	Revision      uint64     `json:"revision"`
}

// MarshalJSON 实现 json.Marshaler
func (r *Room) MarshalJSON() ([]byte, error) {
	return json.Marshal(roomJSON{
		RoomCode:      r.Code,
		HostID:        r.HostID,
		GameState:     r.State,
		Players:       r.OrderedPlayers(),
		StartURL:      r.StartURL,
		EndURL:        r.EndURL,
		StartTitle:    r.StartTitle,
		EndTitle:      r.EndTitle,
		Config:        r.Config,
		CreatedAt:     r.CreatedAt,
		GameStartedAt: r.GameStartedAt,
		EmptySince:    r.EmptySince,
		Revision:      r.Revision,
	})
}

// UnmarshalJSON 实现 json.Unmarshaler，并校验房主引用。
func (r *Room) UnmarshalJSON(data []byte) error {
	var raw roomJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Room{
		Code:          raw.RoomCode,
		HostID:        raw.HostID,
		State:         raw.GameState,
		StartURL:      raw.StartURL,
		EndURL:        raw.EndURL,
		StartTitle:    raw.StartTitle,
		EndTitle:      raw.EndTitle,
		Config:        raw.Config,
		CreatedAt:     raw.CreatedAt,
		GameStartedAt: raw.GameStartedAt,
		EmptySince:    raw.EmptySince,
		Revision:      raw.Revision,
		players:       make(map[string]*Player, len(raw.Players)),
	}
	for _, p := range raw.Players {
		if p == nil || p.ConnID == "" {
			return fmt.Errorf("domain: room %s contains a player without conn_id", raw.RoomCode)
		}
		if p.NavigationHistory == nil {
			p.NavigationHistory = []NavigationEntry{}
		}
		if !r.AddPlayer(p) {
			return fmt.Errorf("domain: room %s contains duplicate conn_id %s", raw.RoomCode, p.ConnID)
		}
	}
	if r.HostID != "" {
		if _, ok := r.players[r.HostID]; !ok {
			return fmt.Errorf("domain: room %s host %s is not a member", raw.RoomCode, r.HostID)
		}
	}
	return nil
}
