package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
type Client struct {
	hub    *Hub            // 指向其所属的 Hub
	conn   *websocket.Conn // WebSocket 连接
	connID string          // 服务端分配的连接 ID
	send   chan []byte     // 用于向此客户端发送消息的缓冲通道
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, connID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		connID: connID,
		send:   make(chan []byte, 256),
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 从 WebSocket 连接读取事件并交给 Hub 处理。
// 同一连接的事件按到达顺序串行处理。
func (c *Client) ReadPump() {
	logCtx := logrus.WithField("conn_id", c.connID)
	defer func() {
		// 请求 Hub 注销此客户端，Hub 阻塞时最多等待 1 秒
		select {
		case c.hub.messageChan <- HubMessage{Type: "unregister", Client: c}:
		case <-time.After(1 * time.Second):
			logCtx.Warn("Timeout sending unregister message to Hub channel")
		}
		c.conn.Close()
		logCtx.Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed normally or read error")
			}
			break
		}
		if messageType != websocket.TextMessage {
			logCtx.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		c.hub.HandleMessage(c, message)
	}
}

// WritePump 将 send 通道中的消息写入 WebSocket 连接，并定期发送 Ping。
func (c *Client) WritePump() {
	logCtx := logrus.WithField("conn_id", c.connID)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		logCtx.Info("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了 send 通道
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logCtx.WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logCtx.WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}

func (c *Client) ConnID() string { return c.connID }
func (c *Client) CloseConn()     { c.conn.Close() }
