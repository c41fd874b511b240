package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wikirace-server/internal/domain"
	"wikirace-server/internal/repository/mocks"
	"wikirace-server/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*service.RoomManager, *fakeClock, *mocks.RoomMirror) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	mirror := new(mocks.RoomMirror)
	mirror.On("SaveRoom", mock.Anything, mock.Anything).Return(nil).Maybe()
	mirror.On("DeleteRoom", mock.Anything, mock.Anything).Return(nil).Maybe()
	opts := service.DefaultOptions()
	opts.Now = clock.Now
	m := service.NewRoomManager(mirror, opts)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m, clock, mirror
}

// startedRace 建一个 alice(房主)+others 的房间并推进到 IN_PROGRESS
func startedRace(t *testing.T, m *service.RoomManager, others ...string) string {
	t.Helper()
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	for _, name := range others {
		_, err := m.JoinRoom(ctx, room.Code, "c-"+name, name)
		require.NoError(t, err)
	}
	_, err = m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)
	_, err = m.CompleteCountdown(ctx, room.Code)
	require.NoError(t, err)
	return room.Code
}

func TestRoomManager_CreateJoinStart(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z]{4}$`, room.Code)
	assert.Equal(t, "c-alice", room.HostID)
	assert.Equal(t, domain.GameStateLobby, room.State)

	res, err := m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, service.JoinedNew, res.Outcome)
	assert.False(t, res.BecameHost)
	require.Equal(t, 2, res.Room.PlayerCount())
	ordered := res.Room.OrderedPlayers()
	assert.Equal(t, "alice", ordered[0].DisplayName)
	assert.True(t, ordered[0].IsHost)
	assert.Equal(t, "bob", ordered[1].DisplayName)

	_, err = m.BeginStart(ctx, "c-bob")
	assert.ErrorIs(t, err, service.ErrNotHost)

	start, err := m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateStarting, start.Room.State)
	assert.Empty(t, start.Purged)
}

func TestRoomManager_JoinRoom_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "AB1", "c-x", "x")
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = m.JoinRoom(ctx, "ZZZZ", "c-x", "x")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = m.CreateRoom(ctx, "c-x", "   ")
	assert.ErrorIs(t, err, service.ErrInvalidDisplayName)
}

func TestRoomManager_JoinRoom_IsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)

	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	res, err := m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, service.JoinedAlready, res.Outcome)
	assert.Equal(t, 2, res.Room.PlayerCount())
}

func TestRoomManager_JoinRoom_RejectsActiveNameCollision(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)

	_, err = m.JoinRoom(ctx, room.Code, "c-alice-2", "alice")
	assert.ErrorIs(t, err, service.ErrNameTaken)
	assert.ErrorIs(t, err, service.ErrConflict)
}

func TestRoomManager_JoinRoom_FullRoom(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-p0", "p0")
	require.NoError(t, err)
	for i := 1; i < domain.MaxPlayersPerRoom; i++ {
		_, err := m.JoinRoom(ctx, room.Code, fmt.Sprintf("c-p%d", i), fmt.Sprintf("p%d", i))
		require.NoError(t, err)
	}

	res, err := m.JoinRoom(ctx, room.Code, "c-late", "late")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, service.ErrRoomFull)

	got, err := m.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxPlayersPerRoom, got.PlayerCount())
	_, ok := got.Player("c-late")
	assert.False(t, ok)
}

func TestRoomManager_ConcurrentJoinsNeverOverfill(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-host", "host")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.JoinRoom(ctx, room.Code, fmt.Sprintf("c-%d", i), fmt.Sprintf("player-%d", i))
			if err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	got, err := m.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.MaxPlayersPerRoom, got.PlayerCount())
	assert.Equal(t, domain.MaxPlayersPerRoom-1, joined)
}

func TestRoomManager_JoinRoom_RejectsNewPlayerMidRace(t *testing.T) {
	m, _, _ := newTestManager(t)
	code := startedRace(t, m, "bob")

	_, err := m.JoinRoom(context.Background(), code, "c-carol", "carol")
	assert.ErrorIs(t, err, service.ErrInvalidState)
}

func TestRoomManager_HostLeavesDuringRace(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	_, err := m.RecordProgress(ctx, "c-alice", code, "alice", "https://en.wikipedia.org/wiki/Lion", "Lion")
	require.NoError(t, err)

	res, err := m.LeaveRoom(ctx, "c-alice")
	require.NoError(t, err)
	assert.True(t, res.WasHost)
	assert.True(t, res.HostChanged())
	assert.Equal(t, "c-bob", res.NewHostID)
	assert.True(t, res.SoftDisconnected)

	room, err := m.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, "c-bob", room.HostID)
	alice, ok := room.Player("c-alice")
	require.True(t, ok)
	assert.True(t, alice.Disconnected)
	assert.False(t, alice.IsHost)
	assert.Len(t, alice.NavigationHistory, 1)

	_, err = m.GetRoomByPlayer("c-alice")
	assert.ErrorIs(t, err, service.ErrNotInRoom)
}

func TestRoomManager_DepartedPlayerCannotReportDuringRace(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	_, err := m.LeaveRoom(ctx, "c-alice")
	require.NoError(t, err)

	_, err = m.RecordProgress(ctx, "c-alice", code, "alice", "https://en.wikipedia.org/wiki/Lion", "Lion")
	assert.ErrorIs(t, err, service.ErrNotInRoom)
	_, err = m.RecordCompletion(ctx, "c-alice", code, "alice", 12.5)
	assert.ErrorIs(t, err, service.ErrNotInRoom)
	_, err = m.UpdateColor(ctx, "c-alice", code, "alice", "#FF0000", "red")
	assert.ErrorIs(t, err, service.ErrNotInRoom)

	room, err := m.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateInProgress, room.State)
	alice, _ := room.Player("c-alice")
	assert.False(t, alice.Completed)
	assert.Equal(t, 0, room.CompletedCount())

	// 以原名重连后恢复上报
	_, err = m.JoinRoom(ctx, code, "c-alice-2", "alice")
	require.NoError(t, err)
	res, err := m.RecordCompletion(ctx, "c-alice-2", code, "alice", 20)
	require.NoError(t, err)
	assert.True(t, res.Ended)
	assert.Equal(t, "alice", res.Winner)
}

func TestRoomManager_DisconnectedConnCannotRejoinUnderNewName(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	_, err := m.RecordProgress(ctx, "c-bob", code, "bob", "https://en.wikipedia.org/wiki/Lion", "Lion")
	require.NoError(t, err)
	_, err = m.LeaveRoom(ctx, "c-bob")
	require.NoError(t, err)
	_, err = m.RecordCompletion(ctx, "c-alice", code, "alice", 30)
	require.NoError(t, err)

	_, err = m.JoinRoom(ctx, code, "c-bob", "robert")
	assert.ErrorIs(t, err, service.ErrAlreadyInRoom)

	room, err := m.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, 2, room.PlayerCount())
	assert.Len(t, room.OrderedPlayers(), 2)
	bob, ok := room.Player("c-bob")
	require.True(t, ok)
	assert.Equal(t, "bob", bob.DisplayName)
	assert.True(t, bob.Disconnected)
	assert.Len(t, bob.NavigationHistory, 1)
	assert.Nil(t, room.PlayerByName("robert"))
	_, err = m.GetRoomByPlayer("c-bob")
	assert.ErrorIs(t, err, service.ErrNotInRoom)

	// 同一连接以原名加入走重连路径
	res, err := m.JoinRoom(ctx, code, "c-bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, service.JoinedReconnected, res.Outcome)
	assert.False(t, res.Player.Disconnected)
	assert.Len(t, res.Player.NavigationHistory, 1)
	assert.Equal(t, 2, res.Room.PlayerCount())
}

func TestRoomManager_TransferHost(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)

	// 唯一的活跃玩家保持房主身份
	next, err := m.TransferHost(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "c-alice", next)
	got, err := m.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, "c-alice", got.HostID)
	alice, _ := got.Player("c-alice")
	assert.True(t, alice.IsHost)
	assert.Equal(t, room.Revision, got.Revision)

	for _, name := range []string{"bob", "carol"} {
		_, err := m.JoinRoom(ctx, room.Code, "c-"+name, name)
		require.NoError(t, err)
	}
	next, err = m.TransferHost(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "c-bob", next)
	next, err = m.TransferHost(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "c-alice", next)

	_, err = m.TransferHost(ctx, "QQQQ")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	_, err = m.BeginStart(ctx, "c-alice")
	assert.NoError(t, err)
}

func TestRoomManager_SoleHostKeepsStartRights(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)

	_, err = m.TransferHost(ctx, room.Code)
	require.NoError(t, err)

	// 后加入的玩家不会因为房主被清空而接管房间
	res, err := m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	assert.False(t, res.BecameHost)
	assert.Equal(t, "c-alice", res.Room.HostID)

	_, err = m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)
	_, err = m.BeginStart(ctx, "c-bob")
	assert.Error(t, err)
}

func TestRoomManager_ReconnectByName(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	_, err := m.RecordProgress(ctx, "c-bob", code, "bob", "https://en.wikipedia.org/wiki/Lion", "Lion")
	require.NoError(t, err)
	_, err = m.LeaveRoom(ctx, "c-bob")
	require.NoError(t, err)

	res, err := m.JoinRoom(ctx, code, "c-bob-2", "bob")
	require.NoError(t, err)
	assert.Equal(t, service.JoinedReconnected, res.Outcome)
	assert.Equal(t, "c-bob", res.PreviousConnID)
	assert.False(t, res.Player.Disconnected)
	assert.Len(t, res.Player.NavigationHistory, 1)
	assert.Equal(t, 2, res.Room.PlayerCount())

	got, err := m.GetRoomByPlayer("c-bob-2")
	require.NoError(t, err)
	assert.Equal(t, code, got.Code)
}

func TestRoomManager_LastPlayerLeavingClearsHost(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	_, err := m.LeaveRoom(ctx, "c-alice")
	require.NoError(t, err)
	res, err := m.LeaveRoom(ctx, "c-bob")
	require.NoError(t, err)
	assert.Equal(t, "", res.NewHostID)
	assert.Equal(t, "", res.Room.HostID)
	require.NotNil(t, res.Room.EmptySince)

	// 宽限期内不关闭
	assert.Empty(t, m.CleanupEmptyRooms(ctx))

	// 重连的玩家成为房主
	rejoin, err := m.JoinRoom(ctx, code, "c-bob-2", "bob")
	require.NoError(t, err)
	assert.True(t, rejoin.BecameHost)
	assert.Nil(t, rejoin.Room.EmptySince)

	_, err = m.LeaveRoom(ctx, "c-bob-2")
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)
	closed := m.CleanupEmptyRooms(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, code, closed[0].Code)

	_, err = m.GetRoom(code)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

func TestRoomManager_LobbyLeaveRemovesPlayer(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)

	res, err := m.LeaveRoom(ctx, "c-alice")
	require.NoError(t, err)
	assert.False(t, res.SoftDisconnected)
	assert.Equal(t, "c-bob", res.NewHostID)
	assert.Equal(t, 1, res.Room.PlayerCount())

	_, err = m.LeaveRoom(ctx, "c-alice")
	assert.ErrorIs(t, err, service.ErrNotInRoom)
}

func TestRoomManager_FirstArrivalWins(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "carol", "dave")

	first, err := m.RecordCompletion(ctx, "c-carol", code, "carol", 95.5)
	require.NoError(t, err)
	assert.True(t, first.Ended)
	assert.Equal(t, "carol", first.Winner)
	assert.Equal(t, domain.GameStateCompleted, first.Room.State)

	second, err := m.RecordCompletion(ctx, "c-dave", code, "dave", 12.0)
	require.NoError(t, err)
	assert.False(t, second.Ended)
	assert.Equal(t, domain.GameStateCompleted, second.Room.State)

	dup, err := m.RecordCompletion(ctx, "c-dave", code, "dave", 10.0)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	room, err := m.GetRoom(code)
	require.NoError(t, err)
	standings := room.Standings()
	assert.Equal(t, "carol", standings[0].PlayerName)
	assert.Equal(t, 1, standings[0].Rank)
	assert.Equal(t, "dave", standings[1].PlayerName)
	assert.Equal(t, 2, standings[1].Rank)
	assert.Equal(t, "alice", standings[2].PlayerName)
	assert.False(t, standings[2].IsCompleted)
}

func TestRoomManager_RecordProgress(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	clock.Advance(2 * time.Second)
	res, err := m.RecordProgress(ctx, "c-bob", code, "bob", "https://en.wikipedia.org/wiki/Lion", "Lion")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 0, res.Player.LinksClicked)
	assert.InDelta(t, 2.0, res.Entry.TimeElapsed, 0.001)

	res, err = m.RecordProgress(ctx, "c-bob", code, "bob", "https://en.wikipedia.org/wiki/Lion#History", "Lion")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	res, err = m.RecordProgress(ctx, "c-bob", code, "bob", "https://en.wikipedia.org/wiki/Cat", "Cat")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Player.LinksClicked)
	assert.Equal(t, len(res.Player.NavigationHistory)-1, res.Player.LinksClicked)

	_, err = m.RecordProgress(ctx, "c-alice", code, "bob", "https://en.wikipedia.org/wiki/Dog", "Dog")
	assert.ErrorIs(t, err, service.ErrNotYourPlayer)
	assert.ErrorIs(t, err, service.ErrAuthorization)

	_, err = m.RecordProgress(ctx, "c-bob", code, "nobody", "https://en.wikipedia.org/wiki/Dog", "Dog")
	assert.ErrorIs(t, err, service.ErrPlayerNotFound)
}

func TestRoomManager_RecordProgress_RejectedInLobby(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)

	_, err = m.RecordProgress(ctx, "c-alice", room.Code, "alice", "https://en.wikipedia.org/wiki/Lion", "Lion")
	assert.ErrorIs(t, err, service.ErrInvalidState)
}

func TestRoomManager_BeginStart(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)

	_, err = m.BeginStart(ctx, "c-alice")
	assert.ErrorIs(t, err, service.ErrNotEnoughPlayers)

	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-carol", "carol")
	require.NoError(t, err)

	_, err = m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)
	_, err = m.CompleteCountdown(ctx, room.Code)
	require.NoError(t, err)

	// carol 比赛中断线，bob 完成比赛
	_, err = m.LeaveRoom(ctx, "c-carol")
	require.NoError(t, err)
	_, err = m.RecordCompletion(ctx, "c-bob", room.Code, "bob", 30)
	require.NoError(t, err)

	// 已完成的房间可以直接开始下一局，断线玩家被清除
	start, err := m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateStarting, start.Room.State)
	require.Len(t, start.Purged, 1)
	assert.Equal(t, "carol", start.Purged[0].DisplayName)
	assert.Equal(t, 2, start.Room.PlayerCount())

	started, err := m.CompleteCountdown(ctx, room.Code)
	require.NoError(t, err)
	bob, _ := started.Player("c-bob")
	assert.False(t, bob.Completed)
	assert.Empty(t, bob.NavigationHistory)
}

func TestRoomManager_BeginStart_FailureKeepsCompletedState(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	code := startedRace(t, m, "bob")

	_, err := m.RecordCompletion(ctx, "c-alice", code, "alice", 10)
	require.NoError(t, err)
	_, err = m.LeaveRoom(ctx, "c-bob")
	require.NoError(t, err)

	_, err = m.BeginStart(ctx, "c-alice")
	assert.ErrorIs(t, err, service.ErrNotEnoughPlayers)
	room, err := m.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStateCompleted, room.State)
}

func TestRoomManager_Countdown(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	_, err = m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)

	_, err = m.SetRacePages(ctx, room.Code, service.RacePages{
		StartURL: "https://en.wikipedia.org/wiki/Lion", StartTitle: "Lion",
		EndURL: "https://en.wikipedia.org/wiki/Cat", EndTitle: "Cat",
	})
	require.NoError(t, err)

	fired := make(chan *domain.Room, 1)
	ok := m.ArmCountdown(room.Code, 10*time.Millisecond, func() {
		r, err := m.CompleteCountdown(ctx, room.Code)
		if err == nil {
			fired <- r
		}
	})
	require.True(t, ok)

	select {
	case r := <-fired:
		assert.Equal(t, domain.GameStateInProgress, r.State)
		assert.NotNil(t, r.GameStartedAt)
		assert.Equal(t, "Lion", r.StartTitle)
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not fire")
	}

	// 倒计时再次触发时房间已不是 STARTING
	_, err = m.CompleteCountdown(ctx, room.Code)
	assert.ErrorIs(t, err, service.ErrInvalidState)
}

func TestRoomManager_CountdownAfterCloseIsIgnored(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	_, err = m.BeginStart(ctx, "c-alice")
	require.NoError(t, err)

	closed, ok := m.CloseRoom(ctx, room.Code)
	require.True(t, ok)
	assert.Equal(t, 2, closed.PlayerCount())

	_, err = m.CompleteCountdown(ctx, room.Code)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
	_, err = m.GetRoomByPlayer("c-bob")
	assert.ErrorIs(t, err, service.ErrNotInRoom)
	assert.False(t, m.ArmCountdown(room.Code, time.Millisecond, func() {}))
}

func TestRoomManager_CleanupExpiredRooms(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	old, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	clock.Advance(90 * time.Minute)
	fresh, err := m.CreateRoom(ctx, "c-bob", "bob")
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	closed := m.CleanupExpiredRooms(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, old.Code, closed[0].Code)

	_, err = m.GetRoom(fresh.Code)
	assert.NoError(t, err)
}

func TestRoomManager_EvictInactive(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	require.True(t, m.Touch("c-bob"))
	clock.Advance(2 * time.Minute)

	inactive := m.InactivePlayers(clock.Now())
	require.Len(t, inactive, 1)
	assert.Equal(t, "c-alice", inactive[0].ConnID)

	var notified string
	res, evicted, err := m.EvictInactive(ctx, "c-alice", func(code string) { notified = code })
	require.NoError(t, err)
	require.True(t, evicted)
	assert.Equal(t, room.Code, notified)
	assert.Equal(t, "c-bob", res.NewHostID)

	_, evicted, err = m.EvictInactive(ctx, "c-bob", func(string) { t.Fatal("bob is still active") })
	require.NoError(t, err)
	assert.False(t, evicted)
}

func TestRoomManager_RenameAndColor(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)

	_, _, err = m.Rename(ctx, "c-bob", "alice")
	assert.ErrorIs(t, err, service.ErrNameTaken)

	old, updated, err := m.Rename(ctx, "c-bob", "robert")
	require.NoError(t, err)
	assert.Equal(t, "bob", old)
	assert.NotNil(t, updated.PlayerByName("robert"))

	p, err := m.UpdateColor(ctx, "c-bob", room.Code, "robert", "#FF0000", "Red")
	require.NoError(t, err)
	assert.Equal(t, "#FF0000", p.ColorHex)

	_, err = m.UpdateColor(ctx, "c-alice", room.Code, "robert", "#00FF00", "Green")
	assert.ErrorIs(t, err, service.ErrNotYourPlayer)
}

func TestRoomManager_SelectCategories_HostOnly(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)

	_, err = m.SelectCategories(ctx, "c-bob", domain.RaceConfig{StartCategory: "Animals"})
	assert.ErrorIs(t, err, service.ErrNotHost)

	updated, err := m.SelectCategories(ctx, "c-alice", domain.RaceConfig{StartCategory: "Animals", EndCategory: " Music "})
	require.NoError(t, err)
	assert.Equal(t, "Animals", updated.Config.StartCategory)
	assert.Equal(t, "Music", updated.Config.EndCategory)
}

func TestRoomManager_CodeSpaceExhausted(t *testing.T) {
	opts := service.DefaultOptions()
	opts.CodeGenerator = func() (string, error) { return "AAAA", nil }
	m := service.NewRoomManager(nil, opts)
	ctx := context.Background()

	_, err := m.CreateRoom(ctx, "c-1", "one")
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "c-2", "two")
	assert.ErrorIs(t, err, service.ErrCodeSpaceExhausted)
	assert.ErrorIs(t, err, service.ErrInternalServer)
	assert.False(t, service.IsClientError(err))
}

func TestRoomManager_MirrorFailuresAreSwallowed(t *testing.T) {
	mirror := new(mocks.RoomMirror)
	mirror.On("SaveRoom", mock.Anything, mock.AnythingOfType("*domain.Room")).Return(errors.New("redis down"))
	mirror.On("DeleteRoom", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	m := service.NewRoomManager(mirror, service.DefaultOptions())
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	_, ok := m.CloseRoom(ctx, room.Code)
	require.True(t, ok)

	require.NoError(t, m.Flush(ctx))
	mirror.AssertNumberOfCalls(t, "SaveRoom", 2)
	mirror.AssertCalled(t, "DeleteRoom", mock.Anything, room.Code)
}

func TestRoomManager_MirrorReceivesIncreasingRevisions(t *testing.T) {
	var mu sync.Mutex
	var revisions []uint64
	mirror := new(mocks.RoomMirror)
	mirror.On("SaveRoom", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		revisions = append(revisions, args.Get(1).(*domain.Room).Revision)
		mu.Unlock()
	}).Return(nil)
	m := service.NewRoomManager(mirror, service.DefaultOptions())
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	_, err = m.LeaveRoom(ctx, "c-bob")
	require.NoError(t, err)
	require.NoError(t, m.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []uint64{1, 2, 3}, revisions)
}

func TestRoomManager_MirrorDeleteRunsAfterPendingSaves(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(call string) {
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
	}
	gate := make(chan struct{})
	mirror := new(mocks.RoomMirror)
	mirror.On("SaveRoom", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-gate
		record(fmt.Sprintf("save:%d", args.Get(1).(*domain.Room).Revision))
	}).Return(nil)
	mirror.On("DeleteRoom", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		record("delete")
	}).Return(nil)
	m := service.NewRoomManager(mirror, service.DefaultOptions())
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "c-alice", "alice")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, room.Code, "c-bob", "bob")
	require.NoError(t, err)
	_, ok := m.CloseRoom(ctx, room.Code)
	require.True(t, ok)

	// 写入被挂起时删除也不能先执行
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, calls)
	mu.Unlock()

	close(gate)
	require.NoError(t, m.Flush(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"save:1", "save:2", "delete"}, calls)
}

func TestRoomManager_Stats(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	startedRace(t, m, "bob")
	_, err := m.CreateRoom(ctx, "c-zed", "zed")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalRooms)
	assert.Equal(t, 3, stats.TotalPlayers)
	assert.Equal(t, 1.5, stats.AveragePlayersPerRoom)
	assert.Equal(t, 1, stats.StateDistribution[domain.GameStateInProgress])
	assert.Equal(t, 1, stats.StateDistribution[domain.GameStateLobby])
	assert.Equal(t, 0, stats.StateDistribution[domain.GameStateAbandoned])
	assert.Len(t, m.ListRooms(), 2)
}
