package mocks

import (
	"context"

	"wikirace-server/internal/domain"

	"github.com/stretchr/testify/mock"
)

// RoomMirror 是 repository.RoomMirror 的 mock 实现
type RoomMirror struct {
	mock.Mock
}

func (m *RoomMirror) SaveRoom(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomMirror) DeleteRoom(ctx context.Context, roomCode string) error {
	args := m.Called(ctx, roomCode)
	return args.Error(0)
}

// MirrorStore 是 repository.MirrorStore 的 mock 实现
type MirrorStore struct {
	RoomMirror
}

func (m *MirrorStore) LoadRoom(ctx context.Context, roomCode string) (*domain.Room, error) {
	args := m.Called(ctx, roomCode)
	room, _ := args.Get(0).(*domain.Room)
	return room, args.Error(1)
}

func (m *MirrorStore) PurgeExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MirrorStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(map[string]interface{})
	return stats, args.Error(1)
}
