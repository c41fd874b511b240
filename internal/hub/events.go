package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"wikirace-server/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// 客户端发往服务端的事件
const (
	EventCreateRoom        = "create_room"
	EventJoinRoom          = "join_room"
	EventLeaveRoom         = "leave_room"
	EventSelectCategories  = "select_categories"
	EventStartGame         = "start_game"
	EventPlayerProgress    = "player_progress"
	EventGameComplete      = "game_complete"
	EventPlayerColorUpdate = "player_color_update"
	EventSetProfile        = "set_profile"
	EventPing              = "ping"
)

// Message 是双向通用的消息信封: {"type": "...", "data": {...}}
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// --- 入站事件负载 ---

type CreateRoomPayload struct {
	DisplayName string `json:"display_name" validate:"required,max=50"`
}

type JoinRoomPayload struct {
	RoomCode    string `json:"room_code" validate:"required"`
	DisplayName string `json:"display_name" validate:"required,max=50"`
}

type LeaveRoomPayload struct{}

type SelectCategoriesPayload struct {
	StartCategory string `json:"start_category" validate:"required"`
	EndCategory   string `json:"end_category" validate:"required"`
	CustomStart   string `json:"custom_start"`
	CustomEnd     string `json:"custom_end"`
}

// StartGamePayload 页面字段为空时使用房间最近一次选择的类别
type StartGamePayload struct {
	StartPage   string `json:"start_page"`
	EndPage     string `json:"end_page"`
	CustomStart string `json:"custom_start"`
	CustomEnd   string `json:"custom_end"`
}

type PlayerProgressPayload struct {
	RoomCode   string `json:"room_code" validate:"required"`
	PlayerName string `json:"player_name" validate:"required"`
	PageURL    string `json:"page_url" validate:"required"`
	PageTitle  string `json:"page_title" validate:"required"`
}

type GameCompletePayload struct {
	RoomCode       string  `json:"room_code" validate:"required"`
	PlayerName     string  `json:"player_name" validate:"required"`
	CompletionTime float64 `json:"completion_time" validate:"gte=0"`
	LinksUsed      int     `json:"links_used" validate:"gte=0"`
}

type PlayerColorPayload struct {
	RoomCode   string `json:"room_code" validate:"required"`
	PlayerName string `json:"player_name" validate:"required"`
	ColorHex   string `json:"color_hex" validate:"required,hexcolor"`
	ColorName  string `json:"color_name" validate:"max=32"`
}

type SetProfilePayload struct {
	DisplayName string `json:"display_name" validate:"required,max=50"`
}

type PingPayload struct{}

// eventHandler 处理一个已解码的原始事件
type eventHandler func(ctx context.Context, c *Client, data json.RawMessage) error

// on 注册事件，负载先按 T 解码并通过结构体校验，再交给 fn。
func on[T any](h *Hub, name string, fn func(ctx context.Context, c *Client, p *T) error) {
	h.events[name] = func(ctx context.Context, c *Client, data json.RawMessage) error {
		p := new(T)
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, p); err != nil {
				return service.NewValidationError(fmt.Sprintf("Invalid %s payload", name))
			}
		}
		if err := h.validate.Struct(p); err != nil {
			return validationError(err)
		}
		return fn(ctx, c, p)
	}
}

func (h *Hub) registerEvents() {
	h.events = make(map[string]eventHandler)
	on(h, EventCreateRoom, h.onCreateRoom)
	on(h, EventJoinRoom, h.onJoinRoom)
	on(h, EventLeaveRoom, h.onLeaveRoom)
	on(h, EventSelectCategories, h.onSelectCategories)
	on(h, EventStartGame, h.onStartGame)
	on(h, EventPlayerProgress, h.onPlayerProgress)
	on(h, EventGameComplete, h.onGameComplete)
	on(h, EventPlayerColorUpdate, h.onPlayerColorUpdate)
	on(h, EventSetProfile, h.onSetProfile)
	on(h, EventPing, h.onPing)
}

func newValidator() *validator.Validate {
	v := validator.New()
	// 错误信息使用 json 字段名
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return service.NewValidationError(fmt.Sprintf("%s is required", fe.Field()))
		default:
			return service.NewValidationError(fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return service.NewValidationError("Invalid payload")
}

// HandleMessage 解码并分发一条客户端消息。所有错误和 panic 都在这里终止，
// 只会以 error 事件的形式回给发送方。
func (h *Hub) HandleMessage(c *Client, raw []byte) {
	var in inboundMessage
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		h.sendTo(c.connID, EventError, errorPayload{Message: "Invalid message format"})
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": c.connID, "event": in.Type})

	handler, ok := h.events[in.Type]
	if !ok {
		logCtx.Debug("Unknown event")
		h.sendTo(c.connID, EventError, errorPayload{Message: fmt.Sprintf("Unknown event: %s", in.Type)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logCtx.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic in event handler")
			h.sendTo(c.connID, EventError, errorPayload{Message: "Internal server error"})
		}
	}()

	if err := handler(ctx, c, in.Data); err != nil {
		h.replyError(c, in.Type, err)
	}
}

func (h *Hub) replyError(c *Client, event string, err error) {
	logCtx := logrus.WithFields(logrus.Fields{"conn_id": c.connID, "event": event})
	if service.IsClientError(err) {
		logCtx.WithError(err).Info("Event rejected")
		h.sendTo(c.connID, EventError, errorPayload{Message: err.Error()})
		return
	}
	logCtx.WithError(err).Error("Event failed")
	h.sendTo(c.connID, EventError, errorPayload{Message: "Internal server error"})
}
