package restapi

import (
	"context"

	"github.com/npezzotti/go-worksync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) ListNotifications(ctx context.Context, opts ListOptions) ([]types.Notification, error) {
	args := m.Called(ctx, opts)
	if page, ok := args.Get(0).([]types.Notification); ok {
		return page, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockClient) UnreadCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *MockClient) MarkRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockClient) MarkAllRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockClient) DeleteNotification(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockClient) UpdateTask(ctx context.Context, task types.Task) (types.Task, error) {
	args := m.Called(ctx, task)
	return args.Get(0).(types.Task), args.Error(1)
}
func (m *MockClient) ReorderTask(ctx context.Context, id string, position int) (types.Task, error) {
	args := m.Called(ctx, id, position)
	return args.Get(0).(types.Task), args.Error(1)
}
