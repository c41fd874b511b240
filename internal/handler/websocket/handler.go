package websocket

import (
	"net/http"

	"wikirace-server/internal/hub"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
}

// NewWebSocketHandler 创建 WebSocketHandler。allowedOrigin 为 "*" 或空时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			// 桌面客户端通常不带 Origin
			return origin == "" || origin == allowedOrigin
		},
	}
	return &WebSocketHandler{upgrader: upgrader, hub: h}
}

// HandleConnection 升级连接，分配连接 ID 并注册到 Hub。
// 连接建立后客户端会收到 connected{conn_id}，之后通过事件加入房间。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	connID := uuid.NewString()
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": connID, "client_ip": c.ClientIP()})

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	client := hub.NewClient(h.hub, conn, connID)
	// 注册完成后才启动读循环，保证首个事件的回复不会丢
	if !h.hub.Register(c.Request.Context(), client) {
		logCtx.Error("WS Handler: Failed to register client with Hub")
		client.CloseConn()
		return
	}
	client.Run()
}
