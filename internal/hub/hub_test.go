package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/pages"
	"wikirace-server/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSelector struct {
	mu     sync.Mutex
	pages  pages.Pages
	err    error
	panics bool
	calls  [][2]pages.Selection
}

func (f *fakeSelector) SelectPages(ctx context.Context, start, end pages.Selection) (pages.Pages, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("selector exploded")
	}
	f.calls = append(f.calls, [2]pages.Selection{start, end})
	return f.pages, f.err
}

func newTestHub(t *testing.T, selector PageSelector, countdown time.Duration) (*Hub, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts := service.DefaultOptions()
	opts.Now = clock.Now
	m := service.NewRoomManager(nil, opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return NewHub(m, selector, Options{Countdown: countdown}), clock
}

// connect 注册一个没有底层 socket 的内存客户端
func connect(t *testing.T, h *Hub, connID string) *Client {
	t.Helper()
	c := &Client{hub: h, connID: connID, send: make(chan []byte, 128)}
	h.attach(c)
	expect(t, c, EventConnected)
	return c
}

func emit(t *testing.T, h *Hub, c *Client, eventType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"type": eventType, "data": data})
	require.NoError(t, err)
	h.HandleMessage(c, raw)
}

func expect(t *testing.T, c *Client, eventType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-c.send:
			require.True(t, ok, "send channel closed while waiting for %s", eventType)
			var msg struct {
				Type string                 `json:"type"`
				Data map[string]interface{} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type == eventType {
				return msg.Data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return nil
		}
	}
}

// drain 取出当前队列中的全部事件类型
func drain(c *Client) []string {
	var types []string
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return types
			}
			var msg Message
			_ = json.Unmarshal(raw, &msg)
			types = append(types, msg.Type)
		default:
			return types
		}
	}
}

// lobby 建一个 alice(房主) + bob 的房间，并清空两人的队列
func lobby(t *testing.T, h *Hub) (string, *Client, *Client) {
	t.Helper()
	alice := connect(t, h, "c-alice")
	bob := connect(t, h, "c-bob")
	emit(t, h, alice, EventCreateRoom, CreateRoomPayload{DisplayName: "alice"})
	code := expect(t, alice, EventRoomCreated)["room_code"].(string)
	emit(t, h, bob, EventJoinRoom, JoinRoomPayload{RoomCode: code, DisplayName: "bob"})
	expect(t, bob, EventRoomJoined)
	expect(t, alice, EventPlayerJoined)
	return code, alice, bob
}

// racing 把房间推进到 IN_PROGRESS，倒计时由测试直接完成
func racing(t *testing.T, h *Hub) (string, *Client, *Client) {
	t.Helper()
	code, alice, bob := lobby(t, h)
	emit(t, h, alice, EventStartGame, StartGamePayload{})
	expect(t, bob, EventGameStarting)
	_, err := h.manager.CompleteCountdown(context.Background(), code)
	require.NoError(t, err)
	drain(alice)
	drain(bob)
	return code, alice, bob
}

func TestHub_CreateAndJoinBroadcasts(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	alice := connect(t, h, "c-alice")
	bob := connect(t, h, "c-bob")

	emit(t, h, alice, EventCreateRoom, CreateRoomPayload{DisplayName: "alice"})
	created := expect(t, alice, EventRoomCreated)
	code := created["room_code"].(string)
	assert.Regexp(t, `^[A-Z]{4}$`, code)
	assert.Equal(t, true, created["is_host"])

	emit(t, h, bob, EventJoinRoom, JoinRoomPayload{RoomCode: code, DisplayName: "bob"})
	joined := expect(t, bob, EventRoomJoined)
	assert.Equal(t, "bob", joined["display_name"])
	assert.Equal(t, false, joined["is_host"])
	assert.Len(t, joined["players"], 2)

	notice := expect(t, alice, EventPlayerJoined)
	assert.Equal(t, "c-bob", notice["conn_id"])
	assert.Empty(t, drain(bob), "joiner should not receive player_joined")
	assert.Equal(t, 2, h.GroupSize(code))
}

func TestHub_RejoinIsIdempotent(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	code, alice, bob := lobby(t, h)

	emit(t, h, bob, EventJoinRoom, JoinRoomPayload{RoomCode: code, DisplayName: "bob"})
	expect(t, bob, EventRoomJoined)
	assert.Empty(t, drain(alice))

	room, err := h.manager.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount())
}

func TestHub_PayloadValidation(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	alice := connect(t, h, "c-alice")

	emit(t, h, alice, EventJoinRoom, map[string]string{"room_code": "ABCD"})
	assert.Equal(t, "display_name is required", expect(t, alice, EventError)["message"])

	emit(t, h, alice, EventJoinRoom, JoinRoomPayload{RoomCode: "A1", DisplayName: "alice"})
	assert.Equal(t, service.ErrInvalidRoomCode.Error(), expect(t, alice, EventError)["message"])

	emit(t, h, alice, "teleport", nil)
	assert.Equal(t, "Unknown event: teleport", expect(t, alice, EventError)["message"])

	h.HandleMessage(alice, []byte("{not json"))
	assert.Equal(t, "Invalid message format", expect(t, alice, EventError)["message"])

	emit(t, h, alice, EventPlayerColorUpdate, PlayerColorPayload{RoomCode: "ABCD", PlayerName: "alice", ColorHex: "blue"})
	assert.Equal(t, "color_hex is invalid", expect(t, alice, EventError)["message"])
}

func TestHub_StartGameRunsCountdown(t *testing.T) {
	selector := &fakeSelector{pages: pages.Pages{
		StartURL: "https://en.wikipedia.org/wiki/Lion", StartTitle: "Lion",
		EndURL: "https://en.wikipedia.org/wiki/Tiger", EndTitle: "Tiger",
	}}
	h, _ := newTestHub(t, selector, 20*time.Millisecond)
	code, alice, bob := lobby(t, h)

	emit(t, h, alice, EventSelectCategories, SelectCategoriesPayload{StartCategory: "Animals", EndCategory: "Random"})
	cfg := expect(t, bob, EventGameConfigUpdated)
	assert.Equal(t, "alice", cfg["host_name"])

	emit(t, h, alice, EventStartGame, StartGamePayload{})
	starting := expect(t, bob, EventGameStarting)
	assert.Equal(t, "Lion", starting["start_title"])
	assert.Equal(t, "Tiger", starting["end_title"])
	assert.EqualValues(t, 1, starting["countdown_seconds"])

	progress := expect(t, bob, EventRoomProgressSync)
	assert.Len(t, progress["players_progress"], 2)
	started := expect(t, alice, EventGameStarted)
	assert.Equal(t, string(domain.GameStateInProgress), started["game_state"])

	require.Len(t, selector.calls, 1)
	assert.Equal(t, "Animals", selector.calls[0][0].Category)
	assert.Equal(t, pages.SelectionRandom, selector.calls[0][1].Category)

	room, err := h.manager.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateInProgress, room.State)
}

func TestHub_StartGameFallsBackOnSelectorError(t *testing.T) {
	h, _ := newTestHub(t, &fakeSelector{err: errors.New("wikipedia down")}, time.Hour)
	_, alice, bob := lobby(t, h)

	emit(t, h, alice, EventStartGame, StartGamePayload{StartPage: "Music", EndPage: "Random"})
	starting := expect(t, bob, EventGameStarting)
	assert.Equal(t, "Main Page", starting["start_title"])
	assert.Equal(t, "Random Page", starting["end_title"])
}

func TestHub_StartGameRequiresHost(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	_, alice, bob := lobby(t, h)

	emit(t, h, bob, EventStartGame, StartGamePayload{})
	assert.Equal(t, service.ErrNotHost.Error(), expect(t, bob, EventError)["message"])
	assert.Empty(t, drain(alice))
}

func TestHub_ProgressAndFirstCompletionWins(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	code, alice, bob := racing(t, h)

	emit(t, h, bob, EventPlayerProgress, PlayerProgressPayload{RoomCode: code, PlayerName: "bob", PageURL: "https://en.wikipedia.org/wiki/Lion", PageTitle: "Lion"})
	emit(t, h, bob, EventPlayerProgress, PlayerProgressPayload{RoomCode: code, PlayerName: "bob", PageURL: "https://en.wikipedia.org/wiki/Cat", PageTitle: "Cat"})
	progress := expect(t, alice, EventPlayerProgressUpdate)
	assert.Equal(t, "Lion", progress["current_page"])
	progress = expect(t, alice, EventPlayerProgressUpdate)
	assert.Equal(t, "Cat", progress["current_page"])
	assert.EqualValues(t, 1, progress["links_used"])
	expect(t, alice, EventRoomProgressSync)
	drain(alice)
	drain(bob)

	// 重复上报不广播
	emit(t, h, bob, EventPlayerProgress, PlayerProgressPayload{RoomCode: code, PlayerName: "bob", PageURL: "https://en.wikipedia.org/wiki/Cat?x=1", PageTitle: "Cat"})
	assert.Empty(t, drain(alice))

	// 不能替别人上报
	emit(t, h, alice, EventPlayerProgress, PlayerProgressPayload{RoomCode: code, PlayerName: "bob", PageURL: "https://en.wikipedia.org/wiki/Dog", PageTitle: "Dog"})
	assert.Equal(t, service.ErrNotYourPlayer.Error(), expect(t, alice, EventError)["message"])

	emit(t, h, bob, EventGameComplete, GameCompletePayload{RoomCode: code, PlayerName: "bob", CompletionTime: 99, LinksUsed: 1})
	emit(t, h, alice, EventGameComplete, GameCompletePayload{RoomCode: code, PlayerName: "alice", CompletionTime: 1, LinksUsed: 0})

	ended := expect(t, alice, EventGameEnded)
	assert.Equal(t, "bob", ended["winner"])
	results := ended["results"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, "bob", results[0].(map[string]interface{})["player_name"])
	assert.EqualValues(t, 1, results[0].(map[string]interface{})["rank"])

	for _, typ := range drain(alice) {
		assert.NotEqual(t, EventGameEnded, typ, "race must end only once")
	}
}

func TestHub_ProgressSyncCarriesRevision(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	code, alice, bob := racing(t, h)

	emit(t, h, bob, EventPlayerProgress, PlayerProgressPayload{RoomCode: code, PlayerName: "bob", PageURL: "https://en.wikipedia.org/wiki/Lion", PageTitle: "Lion"})
	first := expect(t, alice, EventRoomProgressSync)
	emit(t, h, alice, EventPlayerProgress, PlayerProgressPayload{RoomCode: code, PlayerName: "alice", PageURL: "https://en.wikipedia.org/wiki/Cat", PageTitle: "Cat"})
	second := expect(t, alice, EventRoomProgressSync)

	room, err := h.manager.GetRoom(code)
	require.NoError(t, err)
	firstRev := first["revision"].(float64)
	secondRev := second["revision"].(float64)
	assert.Greater(t, secondRev, firstRev)
	assert.EqualValues(t, room.Revision, secondRev)
	assert.Contains(t, second["players_progress"], "alice")
	drain(bob)
}

func TestHub_DisconnectDuringRaceTransfersHost(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	code, alice, bob := racing(t, h)

	h.detach(alice)
	h.Wait()

	left := expect(t, bob, EventPlayerLeft)
	assert.Equal(t, "alice", left["player_name"])
	assert.Equal(t, true, left["disconnected"])
	expect(t, bob, EventPlayerDisconnected)
	transfer := expect(t, bob, EventHostTransferred)
	assert.Equal(t, "c-bob", transfer["new_host_id"])
	assert.Equal(t, "bob", transfer["new_host_name"])

	room, err := h.manager.GetRoom(code)
	require.NoError(t, err)
	p := room.PlayerByName("alice")
	require.NotNil(t, p)
	assert.True(t, p.Disconnected)

	// 以相同名字重新连接
	again := connect(t, h, "c-alice-2")
	emit(t, h, again, EventJoinRoom, JoinRoomPayload{RoomCode: code, DisplayName: "alice"})
	joined := expect(t, again, EventRoomJoined)
	assert.Equal(t, "alice", joined["display_name"])
	reconnected := expect(t, bob, EventPlayerReconnected)
	assert.Equal(t, "c-alice-2", reconnected["conn_id"])

	room, err = h.manager.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount())
}

func TestHub_LeaveInLobby(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	code, alice, bob := lobby(t, h)

	emit(t, h, alice, EventLeaveRoom, nil)
	left := expect(t, bob, EventPlayerLeft)
	assert.Equal(t, false, left["disconnected"])
	assert.Len(t, left["players"], 1)
	expect(t, bob, EventHostTransferred)
	assert.Empty(t, drain(alice))
	assert.Equal(t, 1, h.GroupSize(code))
}

func TestHub_SetProfileAndColor(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	code, alice, bob := lobby(t, h)

	emit(t, h, bob, EventSetProfile, SetProfilePayload{DisplayName: "alice"})
	assert.Equal(t, service.ErrNameTaken.Error(), expect(t, bob, EventError)["message"])

	emit(t, h, bob, EventSetProfile, SetProfilePayload{DisplayName: "robert"})
	updated := expect(t, alice, EventPlayerProfileUpdated)
	assert.Equal(t, "bob", updated["old_name"])
	assert.Equal(t, "robert", updated["new_name"])

	emit(t, h, bob, EventPlayerColorUpdate, PlayerColorPayload{RoomCode: code, PlayerName: "robert", ColorHex: "#ff0000", ColorName: "Red"})
	color := expect(t, alice, EventPlayerColorUpdated)
	assert.Equal(t, "#ff0000", color["color_hex"])
}

func TestHub_PingRepliesPong(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	alice := connect(t, h, "c-alice")
	emit(t, h, alice, EventPing, nil)
	assert.NotEmpty(t, expect(t, alice, EventPong)["timestamp"])
}

func TestHub_RegisterCompletesBeforeFirstEvent(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &Client{hub: h, connID: "c-alice", send: make(chan []byte, 16)}
	require.True(t, h.Register(ctx, c))
	assert.Equal(t, 1, h.ClientCount())

	// 注册返回后立即发送的事件也能收到回复
	emit(t, h, c, EventPing, nil)
	assert.Equal(t, []string{EventConnected, EventPong}, drain(c))
}

func TestHub_RegisterTimeoutIsUndone(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	c := &Client{hub: h, connID: "c-alice", send: make(chan []byte, 16)}

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelWait()
	assert.False(t, h.Register(waitCtx, c))

	// Hub 稍后才开始处理队列：迟到的注册随即被注销
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	assert.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.clients["c-alice"]
		return !ok && len(h.messageChan) == 0
	}, time.Second, 5*time.Millisecond)
	h.Wait()
}

func TestHub_RecoversFromHandlerPanic(t *testing.T) {
	h, _ := newTestHub(t, &fakeSelector{panics: true}, time.Hour)
	_, alice, _ := lobby(t, h)

	emit(t, h, alice, EventStartGame, StartGamePayload{})
	assert.Equal(t, "Internal server error", expect(t, alice, EventError)["message"])

	emit(t, h, alice, EventPing, nil)
	expect(t, alice, EventPong)
}

func TestHub_SweepKicksInactivePlayer(t *testing.T) {
	h, clock := newTestHub(t, nil, time.Hour)
	code, alice, bob := lobby(t, h)

	clock.Advance(3 * time.Minute)
	emit(t, h, bob, EventPing, nil)
	clock.Advance(2 * time.Minute)
	drain(alice)
	drain(bob)

	require.NoError(t, h.Sweep(context.Background()))

	kicked := expect(t, alice, EventKickedForInactivity)
	assert.Equal(t, code, kicked["room_code"])
	left := expect(t, bob, EventPlayerLeft)
	assert.Equal(t, "alice", left["player_name"])
	expect(t, bob, EventHostTransferred)

	room, err := h.manager.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, 1, room.PlayerCount())
	assert.Equal(t, "c-bob", room.HostID)
}

func TestHub_SweepClosesExpiredRoom(t *testing.T) {
	h, clock := newTestHub(t, nil, time.Hour)
	code, alice, bob := lobby(t, h)

	clock.Advance(2*time.Hour + time.Minute)
	emit(t, h, alice, EventPing, nil)
	emit(t, h, bob, EventPing, nil)

	require.NoError(t, h.Sweep(context.Background()))

	closed := expect(t, bob, EventRoomClosed)
	assert.Equal(t, closeReasonExpired, closed["reason"])
	expect(t, alice, EventRoomClosed)
	assert.Equal(t, 0, h.GroupSize(code))

	_, err := h.manager.GetRoom(code)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestHub_RESTJoinEmitsSameBroadcasts(t *testing.T) {
	h, _ := newTestHub(t, nil, time.Hour)
	alice := connect(t, h, "c-alice")
	emit(t, h, alice, EventCreateRoom, CreateRoomPayload{DisplayName: "alice"})
	code := expect(t, alice, EventRoomCreated)["room_code"].(string)

	res, err := h.JoinRoom(context.Background(), code, "rest_1", "carol")
	require.NoError(t, err)
	assert.Equal(t, service.JoinedNew, res.Outcome)
	notice := expect(t, alice, EventPlayerJoined)
	assert.Equal(t, "carol", notice["display_name"])

	_, err = h.LeaveRoom(context.Background(), "rest_1")
	require.NoError(t, err)
	expect(t, alice, EventPlayerLeft)
}

func TestRaceSelections(t *testing.T) {
	cfg := domain.RaceConfig{StartCategory: "Custom", CustomStart: "volcano", EndCategory: "Music"}

	start, end := raceSelections(cfg, &StartGamePayload{})
	assert.Equal(t, pages.Selection{Category: "Custom", Custom: "volcano"}, start)
	assert.Equal(t, pages.Selection{Category: "Music"}, end)

	start, end = raceSelections(domain.RaceConfig{}, &StartGamePayload{EndPage: "STEM"})
	assert.Equal(t, pages.SelectionRandom, start.Category)
	assert.Equal(t, "STEM", end.Category)
}
