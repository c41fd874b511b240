package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wikirace-server/internal/pages"
	"wikirace-server/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	// 等待 Hub 完成注册的上限
	registerTimeout = 5 * time.Second

	// 单个事件的处理上限，包括页面选择的网络请求
	eventTimeout = 20 * time.Second

	// DefaultCountdown 开始比赛前的倒计时
	DefaultCountdown = 5 * time.Second
)

// HubMessage 在 Hub 内部通道传递的连接事件
type HubMessage struct {
	Type   string // "register", "unregister"
	Client *Client
	// Done 非空时，Hub 处理完该消息后关闭它
	Done chan struct{}
}

// PageSelector 为一局比赛选择起点和终点
type PageSelector interface {
	SelectPages(ctx context.Context, start, end pages.Selection) (pages.Pages, error)
}

// Options Hub 的可调参数
type Options struct {
	Countdown time.Duration
}

// Hub 维护在线连接和每个房间的广播组，并把客户端事件翻译为 RoomManager 调用。
type Hub struct {
	messageChan chan HubMessage

	// 在线客户端，按连接 ID 索引
	clients map[string]*Client
	// 房间广播组 map[roomCode]map[connID]
	groups map[string]map[string]struct{}
	// 保护 clients 和 groups；向 send 通道写入时持有读锁，关闭通道时持有写锁
	mu sync.RWMutex

	manager   *service.RoomManager
	selector  PageSelector
	countdown time.Duration
	validate  *validator.Validate
	events    map[string]eventHandler

	// 断线后的离开处理
	pending sync.WaitGroup
}

// NewHub 创建 Hub。selector 可以为 nil，此时总是使用占位页面。
func NewHub(manager *service.RoomManager, selector PageSelector, opts Options) *Hub {
	if manager == nil {
		panic("RoomManager cannot be nil for Hub")
	}
	if opts.Countdown <= 0 {
		opts.Countdown = DefaultCountdown
	}
	h := &Hub{
		messageChan: make(chan HubMessage, 512),
		clients:     make(map[string]*Client),
		groups:      make(map[string]map[string]struct{}),
		manager:     manager,
		selector:    selector,
		countdown:   opts.Countdown,
		validate:    newValidator(),
	}
	h.registerEvents()
	return h
}

// Run 启动 Hub 的主循环，处理连接注册和注销，ctx 取消后断开所有客户端。
func (h *Hub) Run(ctx context.Context) {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				h.attach(msg.Client)
			case "unregister":
				h.detach(msg.Client)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
			if msg.Done != nil {
				close(msg.Done)
			}
		case <-ctx.Done():
			h.closeAll()
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// QueueMessage 将连接事件放入 Hub 的处理队列 (非阻塞)，队列满时返回 false。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		fields := logrus.Fields{"message_type": msg.Type}
		if msg.Client != nil {
			fields["conn_id"] = msg.Client.ConnID()
		}
		logrus.WithFields(fields).Warn("Hub message channel full, dropping message")
		return false
	}
}

// Register 把客户端交给 Hub 注册并等待注册完成。
// 返回 true 后客户端已能收到定向消息，此时再启动读写 goroutine。
// 超时或 ctx 取消时返回 false，并补发一条注销消息撤销可能迟到的注册。
func (h *Hub) Register(ctx context.Context, client *Client) bool {
	done := make(chan struct{})
	if !h.QueueMessage(HubMessage{Type: "register", Client: client, Done: done}) {
		return false
	}
	timer := time.NewTimer(registerTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
	case <-timer.C:
	}
	logrus.WithField("conn_id", client.ConnID()).Warn("Hub: Timed out waiting for client registration")
	h.QueueMessage(HubMessage{Type: "unregister", Client: client})
	return false
}

// Wait 等待所有断线后的离开处理完成
func (h *Hub) Wait() {
	h.pending.Wait()
}

// ClientCount 返回在线连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) attach(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	h.mu.Lock()
	if old, ok := h.clients[client.connID]; ok && old != client {
		close(old.send)
	}
	h.clients[client.connID] = client
	h.mu.Unlock()

	logrus.WithField("conn_id", client.connID).Info("Client registered to Hub")
	h.sendTo(client.connID, EventConnected, connectedPayload{
		Message: "Connected to WikiRace server",
		ConnID:  client.connID,
	})
}

// detach 移除客户端并关闭其 send 通道，然后在后台走正常的离开流程。
func (h *Hub) detach(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	logCtx := logrus.WithField("conn_id", client.connID)

	h.mu.Lock()
	current, ok := h.clients[client.connID]
	if !ok || current != client {
		h.mu.Unlock()
		logCtx.Debug("Client already unregistered")
		return
	}
	delete(h.clients, client.connID)
	close(client.send)
	h.mu.Unlock()
	logCtx.Info("Client unregistered from Hub")

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		h.disconnect(client.connID)
	}()
}

func (h *Hub) disconnect(connID string) {
	if _, ok := h.manager.RoomCodeFor(connID); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if _, err := h.LeaveRoom(ctx, connID); err != nil && !service.IsClientError(err) {
		logrus.WithError(err).WithField("conn_id", connID).Error("Failed to leave room on disconnect")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

// --- 广播组 ---

func (h *Hub) joinGroup(roomCode, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[roomCode]
	if !ok {
		members = make(map[string]struct{})
		h.groups[roomCode] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) leaveGroup(roomCode, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[roomCode]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, roomCode)
		}
	}
}

func (h *Hub) dropGroup(roomCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups, roomCode)
}

// GroupSize 返回房间广播组的成员数
func (h *Hub) GroupSize(roomCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[roomCode])
}

// --- 发送 ---

func encode(eventType string, data interface{}) ([]byte, bool) {
	b, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		logrus.WithError(err).WithField("event", eventType).Error("Failed to marshal outbound message")
		return nil, false
	}
	return b, true
}

// sendTo 向单个连接发送消息，连接不在线 (例如 REST 调用方) 时忽略。
func (h *Hub) sendTo(connID, eventType string, data interface{}) {
	msg, ok := encode(eventType, data)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		h.deliver(c, eventType, msg)
	}
}

// broadcast 发送给房间广播组的所有成员
func (h *Hub) broadcast(roomCode, eventType string, data interface{}) {
	h.broadcastExcept(roomCode, "", eventType, data)
}

// broadcastExcept 发送给房间广播组中除 except 以外的成员
func (h *Hub) broadcastExcept(roomCode, except, eventType string, data interface{}) {
	msg, ok := encode(eventType, data)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.groups[roomCode]
	logrus.WithFields(logrus.Fields{
		"room_code":       roomCode,
		"event":           eventType,
		"recipient_count": len(members),
	}).Debug("Broadcasting message to room")
	for connID := range members {
		if connID == except {
			continue
		}
		if c, ok := h.clients[connID]; ok {
			h.deliver(c, eventType, msg)
		}
	}
}

// deliver 非阻塞写入客户端的发送队列，调用方必须持有 h.mu 读锁。
func (h *Hub) deliver(c *Client, eventType string, msg []byte) {
	select {
	case c.send <- msg:
	default:
		logrus.WithFields(logrus.Fields{"conn_id": c.connID, "event": eventType}).
			Warn("Client send channel full, message dropped")
	}
}
