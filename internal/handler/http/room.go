package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"wikirace-server/internal/hub"
	"wikirace-server/internal/repository"
	"wikirace-server/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

// RoomHandler 是房间管理的 REST 入口，变更操作通过 Hub 执行以发出与 WebSocket 相同的广播。
type RoomHandler struct {
	hub           *hub.Hub
	manager       *service.RoomManager
	mirror        repository.MirrorStore // nil 表示未启用镜像
	publicBaseURL string
}

// NewRoomHandler 创建 RoomHandler。publicBaseURL 为空时二维码链接从请求推导。
func NewRoomHandler(h *hub.Hub, manager *service.RoomManager, mirror repository.MirrorStore, publicBaseURL string) *RoomHandler {
	if h == nil {
		panic("Hub cannot be nil for RoomHandler")
	}
	if manager == nil {
		panic("RoomManager cannot be nil for RoomHandler")
	}
	return &RoomHandler{
		hub:           h,
		manager:       manager,
		mirror:        mirror,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

// DisplayNameRequest 创建和加入房间的请求体
type DisplayNameRequest struct {
	DisplayName string `json:"display_name" binding:"required,max=50"`
}

type playerView struct {
	DisplayName  string    `json:"display_name"`
	IsHost       bool      `json:"is_host"`
	Disconnected bool      `json:"disconnected"`
	JoinedAt     time.Time `json:"joined_at"`
}

// restConnID 为 REST 调用方生成一次性的连接 ID
func restConnID() string {
	return "rest_" + uuid.NewString()
}

// CreateRoom POST /api/rooms
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req DisplayNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: display_name is required")
		return
	}

	room, err := h.hub.CreateRoom(c.Request.Context(), restConnID(), req.DisplayName)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithField("room_code", room.Code).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusOK, gin.H{
		"room_code":    room.Code,
		"message":      fmt.Sprintf("Room %s created successfully", room.Code),
		"host_name":    strings.TrimSpace(req.DisplayName),
		"player_count": room.PlayerCount(),
	})
}

// GetRoom GET /api/rooms/:code
func (h *RoomHandler) GetRoom(c *gin.Context) {
	code, err := service.NormalizeRoomCode(c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	room, err := h.manager.GetRoom(code)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	players := make([]playerView, 0, room.PlayerCount())
	for _, p := range room.OrderedPlayers() {
		players = append(players, playerView{
			DisplayName:  p.DisplayName,
			IsHost:       p.IsHost,
			Disconnected: p.Disconnected,
			JoinedAt:     p.JoinedAt,
		})
	}
	hostName := ""
	if host := room.Host(); host != nil {
		hostName = host.DisplayName
	}
	maxPlayers := h.manager.Options().MaxPlayers
	SuccessResponse(c, http.StatusOK, gin.H{
		"room_code":       room.Code,
		"game_state":      room.State,
		"player_count":    room.PlayerCount(),
		"max_players":     maxPlayers,
		"is_full":         room.IsFull(maxPlayers),
		"host_name":       hostName,
		"players":         players,
		"start_title":     room.StartTitle,
		"end_title":       room.EndTitle,
		"created_at":      room.CreatedAt,
		"game_started_at": room.GameStartedAt,
	})
}

// JoinRoom POST /api/rooms/:code/join
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	code, err := service.NormalizeRoomCode(c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	var req DisplayNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: display_name is required")
		return
	}

	res, err := h.hub.JoinRoom(c.Request.Context(), code, restConnID(), req.DisplayName)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{
		"room_code":    res.Room.Code,
		"message":      fmt.Sprintf("Successfully joined room %s", res.Room.Code),
		"player_name":  res.Player.DisplayName,
		"conn_id":      res.Player.ConnID,
		"player_count": res.Room.PlayerCount(),
		"is_host":      res.Player.IsHost,
	})
}

// LeaveRoom DELETE /api/rooms/:code/leave?conn_id=...|player_name=...
func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	code, err := service.NormalizeRoomCode(c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	connID := strings.TrimSpace(c.Query("conn_id"))
	if name := strings.TrimSpace(c.Query("player_name")); connID == "" && name != "" {
		if connID, err = h.manager.ConnIDForName(code, name); err != nil {
			HandleServiceError(c, err)
			return
		}
	}
	if connID == "" {
		ErrorResponse(c, http.StatusBadRequest, "conn_id or player_name is required")
		return
	}
	if current, ok := h.manager.RoomCodeFor(connID); !ok || current != code {
		HandleServiceError(c, service.ErrNotInRoom)
		return
	}

	res, err := h.hub.LeaveRoom(c.Request.Context(), connID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{
		"message":           fmt.Sprintf("Successfully left room %s", code),
		"remaining_players": res.Room.PlayerCount(),
		"disconnected":      res.SoftDisconnected,
	})
}

// ListRooms GET /api/rooms
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.manager.ListRooms()
	if rooms == nil {
		rooms = []service.RoomSummary{}
	}
	total := 0
	for _, r := range rooms {
		total += r.PlayerCount
	}
	SuccessResponse(c, http.StatusOK, gin.H{
		"total_rooms":   len(rooms),
		"total_players": total,
		"rooms":         rooms,
	})
}

// Stats GET /api/stats
func (h *RoomHandler) Stats(c *gin.Context) {
	mirrorStats := map[string]interface{}{}
	if h.mirror != nil {
		stats, err := h.mirror.Stats(c.Request.Context())
		if err != nil {
			// 镜像不可用不影响房间统计
			logrus.WithError(err).Warn("Handler.Stats: Failed to read mirror stats")
		} else {
			mirrorStats = stats
		}
	}
	SuccessResponse(c, http.StatusOK, gin.H{
		"room_stats":     h.manager.Stats(),
		"mirror_stats":   mirrorStats,
		"mirror_enabled": h.mirror != nil,
	})
}

// QRCode GET /api/rooms/:code/qr 返回房间链接的 PNG 二维码
func (h *RoomHandler) QRCode(c *gin.Context) {
	code, err := service.NormalizeRoomCode(c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if _, err := h.manager.GetRoom(code); err != nil {
		HandleServiceError(c, err)
		return
	}

	png, err := qrcode.Encode(h.roomURL(c, code), qrcode.Medium, qrSize)
	if err != nil {
		logrus.WithError(err).WithField("room_code", code).Error("Handler.QRCode: QR generation failed")
		ErrorResponse(c, http.StatusInternalServerError, "QR generation failed")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *RoomHandler) roomURL(c *gin.Context, code string) string {
	base := h.publicBaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + "/api/rooms/" + code
}

// Root GET /
func (h *RoomHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "WikiRace Multiplayer Server",
		"version": "1.0.0",
		"status":  "running",
	})
}

// Health GET /health
func (h *RoomHandler) Health(c *gin.Context) {
	stats := h.manager.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"rooms_active":   stats.TotalRooms,
		"total_players":  stats.TotalPlayers,
		"online_clients": h.hub.ClientCount(),
		"states":         stats.StateDistribution,
	})
}
