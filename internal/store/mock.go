package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/taskhive/realtime-gateway/internal/types"
)

type MockStore struct {
	mock.Mock
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) Connect(ctx context.Context, user types.User) (bool, error) {
	args := m.Called(ctx, user)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Disconnect(ctx context.Context, userId string) (bool, error) {
	args := m.Called(ctx, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) RefreshPresence(ctx context.Context, user types.User) (bool, error) {
	args := m.Called(ctx, user)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) GetPresence(ctx context.Context, userId string) (*types.PresenceRecord, error) {
	args := m.Called(ctx, userId)
	if rec, ok := args.Get(0).(*types.PresenceRecord); ok {
		return rec, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) AddMember(ctx context.Context, room types.Room, member types.Member) (bool, []types.Member, error) {
	args := m.Called(ctx, room, member)
	var members []types.Member
	if v, ok := args.Get(1).([]types.Member); ok {
		members = v
	}
	return args.Bool(0), members, args.Error(2)
}

func (m *MockStore) RefreshMember(ctx context.Context, room types.Room, member types.Member) ([]types.Member, error) {
	args := m.Called(ctx, room, member)
	var members []types.Member
	if v, ok := args.Get(0).([]types.Member); ok {
		members = v
	}
	return members, args.Error(1)
}

func (m *MockStore) RemoveMember(ctx context.Context, room types.Room, userId string) (bool, error) {
	args := m.Called(ctx, room, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Members(ctx context.Context, room types.Room) ([]types.Member, error) {
	args := m.Called(ctx, room)
	var members []types.Member
	if v, ok := args.Get(0).([]types.Member); ok {
		members = v
	}
	return members, args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
