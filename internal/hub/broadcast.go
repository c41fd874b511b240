package hub

import (
	"fmt"

	"wikirace-server/internal/domain"
)

// 服务端发往客户端的事件
const (
	EventConnected            = "connected"
	EventRoomCreated          = "room_created"
	EventRoomJoined           = "room_joined"
	EventPlayerJoined         = "player_joined"
	EventPlayerLeft           = "player_left"
	EventHostTransferred      = "host_transferred"
	EventPlayerDisconnected   = "player_disconnected"
	EventPlayerReconnected    = "player_reconnected"
	EventPlayerProfileUpdated = "player_profile_updated"
	EventGameConfigUpdated    = "game_config_updated"
	EventGameStarting         = "game_starting"
	EventGameStarted          = "game_started"
	EventPlayerProgressUpdate = "player_progress"
	EventRoomProgressSync     = "room_progress_sync"
	EventPlayerCompleted      = "player_completed"
	EventGameEnded            = "game_ended"
	EventPlayerColorUpdated   = "player_color_updated"
	EventKickedForInactivity  = "kicked_for_inactivity"
	EventRoomClosed           = "room_closed"
	EventError                = "error"
	EventPong                 = "pong"
)

// PlayerInfo 是 players[] 列表中的一项
type PlayerInfo struct {
	ConnID       string `json:"conn_id"`
	DisplayName  string `json:"display_name"`
	IsHost       bool   `json:"is_host"`
	Disconnected bool   `json:"disconnected"`
	ColorHex     string `json:"color_hex,omitempty"`
}

// PlayerList 按加入顺序列出房间玩家
func PlayerList(room *domain.Room) []PlayerInfo {
	players := room.OrderedPlayers()
	out := make([]PlayerInfo, 0, len(players))
	for _, p := range players {
		out = append(out, PlayerInfo{
			ConnID:       p.ConnID,
			DisplayName:  p.DisplayName,
			IsHost:       p.IsHost,
			Disconnected: p.Disconnected,
			ColorHex:     p.ColorHex,
		})
	}
	return out
}

type connectedPayload struct {
	Message string `json:"message"`
	ConnID  string `json:"conn_id"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type pongPayload struct {
	Timestamp string `json:"timestamp"`
}

type roomCreatedPayload struct {
	RoomCode string       `json:"room_code"`
	IsHost   bool         `json:"is_host"`
	Players  []PlayerInfo `json:"players"`
}

type roomJoinedPayload struct {
	RoomCode    string       `json:"room_code"`
	ConnID      string       `json:"conn_id"`
	DisplayName string       `json:"display_name"`
	IsHost      bool         `json:"is_host"`
	Players     []PlayerInfo `json:"players"`
}

type playerJoinedPayload struct {
	ConnID      string       `json:"conn_id"`
	DisplayName string       `json:"display_name"`
	IsHost      bool         `json:"is_host"`
	Players     []PlayerInfo `json:"players"`
}

type playerLeftPayload struct {
	ConnID       string       `json:"conn_id"`
	PlayerName   string       `json:"player_name"`
	Players      []PlayerInfo `json:"players"`
	Disconnected bool         `json:"disconnected"`
}

type hostTransferredPayload struct {
	NewHostID   string `json:"new_host_id"`
	NewHostName string `json:"new_host_name"`
	Message     string `json:"message"`
}

type playerConnectionPayload struct {
	ConnID     string       `json:"conn_id"`
	PlayerName string       `json:"player_name"`
	Players    []PlayerInfo `json:"players,omitempty"`
}

type profileUpdatedPayload struct {
	ConnID  string `json:"conn_id"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

type gameConfigPayload struct {
	StartCategory string `json:"start_category"`
	EndCategory   string `json:"end_category"`
	CustomStart   string `json:"custom_start"`
	CustomEnd     string `json:"custom_end"`
	HostName      string `json:"host_name"`
}

type gameStartingPayload struct {
	RoomCode         string `json:"room_code"`
	StartURL         string `json:"start_url"`
	EndURL           string `json:"end_url"`
	StartTitle       string `json:"start_title"`
	EndTitle         string `json:"end_title"`
	CountdownSeconds int    `json:"countdown_seconds"`
	Message          string `json:"message"`
}

type gameStartedPayload struct {
	RoomCode   string           `json:"room_code"`
	StartURL   string           `json:"start_url"`
	EndURL     string           `json:"end_url"`
	StartTitle string           `json:"start_title"`
	EndTitle   string           `json:"end_title"`
	GameState  domain.GameState `json:"game_state"`
	Players    []PlayerInfo     `json:"players"`
	Message    string           `json:"message"`
}

type playerProgressPayload struct {
	PlayerName     string  `json:"player_name"`
	CurrentPage    string  `json:"current_page"`
	CurrentPageURL string  `json:"current_page_url"`
	LinksUsed      int     `json:"links_used"`
	TimeElapsed    float64 `json:"time_elapsed"`
}

type progressSyncPayload struct {
	RoomCode        string                           `json:"room_code"`
	PlayersProgress map[string]domain.PlayerProgress `json:"players_progress"`
	// Revision 快照对应的房间版本，客户端丢弃比已见版本旧的同步
	Revision uint64 `json:"revision"`
}

type playerCompletedPayload struct {
	PlayerName     string  `json:"player_name"`
	CompletionTime float64 `json:"completion_time"`
	LinksUsed      int     `json:"links_used"`
}

type gameEndedPayload struct {
	RoomCode string            `json:"room_code"`
	Results  []domain.Standing `json:"results"`
	Winner   string            `json:"winner"`
}

type colorUpdatedPayload struct {
	PlayerName string `json:"player_name"`
	ColorHex   string `json:"color_hex"`
	ColorName  string `json:"color_name"`
}

type kickedPayload struct {
	RoomCode string `json:"room_code"`
	Message  string `json:"message"`
}

type roomClosedPayload struct {
	RoomCode string `json:"room_code"`
	Reason   string `json:"reason"`
}

func newGameStarting(room *domain.Room, countdownSeconds int) gameStartingPayload {
	return gameStartingPayload{
		RoomCode:         room.Code,
		StartURL:         room.StartURL,
		EndURL:           room.EndURL,
		StartTitle:       room.StartTitle,
		EndTitle:         room.EndTitle,
		CountdownSeconds: countdownSeconds,
		Message:          fmt.Sprintf("Get ready! Game starting in %d seconds...", countdownSeconds),
	}
}

func newGameStarted(room *domain.Room) gameStartedPayload {
	return gameStartedPayload{
		RoomCode:   room.Code,
		StartURL:   room.StartURL,
		EndURL:     room.EndURL,
		StartTitle: room.StartTitle,
		EndTitle:   room.EndTitle,
		GameState:  room.State,
		Players:    PlayerList(room),
		Message:    "GO! Race to the destination!",
	}
}

func newProgressSync(room *domain.Room) progressSyncPayload {
	return progressSyncPayload{
		RoomCode:        room.Code,
		PlayersProgress: room.ProgressSnapshot(),
		Revision:        room.Revision,
	}
}

func newHostTransferred(room *domain.Room, newHostID string) hostTransferredPayload {
	name := ""
	if p, ok := room.Player(newHostID); ok {
		name = p.DisplayName
	}
	return hostTransferredPayload{
		NewHostID:   newHostID,
		NewHostName: name,
		Message:     fmt.Sprintf("%s is now the host", name),
	}
}
