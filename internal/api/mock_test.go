package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/pkg/model"
)

type MockConnections struct {
	mock.Mock
}

func (m *MockConnections) Register(ctx context.Context, evt model.ConnectEvent) (model.Connection, error) {
	args := m.Called(ctx, evt)
	return args.Get(0).(model.Connection), args.Error(1)
}

func (m *MockConnections) Hydrate(ctx context.Context, connectionID string, opts connection.HydrateOptions) (model.Connection, error) {
	args := m.Called(ctx, connectionID, opts)
	return args.Get(0).(model.Connection), args.Error(1)
}

func (m *MockConnections) SetData(ctx context.Context, data model.ConnectionData, conn model.Connection) error {
	return m.Called(ctx, data, conn).Error(0)
}

func (m *MockConnections) Close(ctx context.Context, conn model.Connection) error {
	return m.Called(ctx, conn).Error(0)
}

func (m *MockConnections) Unregister(ctx context.Context, conn model.Connection) error {
	return m.Called(ctx, conn).Error(0)
}

type MockSubscriptions struct {
	mock.Mock
}

func (m *MockSubscriptions) Subscribe(ctx context.Context, events []string, conn model.Connection, op model.Operation) error {
	return m.Called(ctx, events, conn, op).Error(0)
}

func (m *MockSubscriptions) UnsubscribeOperation(ctx context.Context, connectionID, operationID string) error {
	return m.Called(ctx, connectionID, operationID).Error(0)
}

type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) Publish(ctx context.Context, evt model.Event) (model.Event, error) {
	args := m.Called(ctx, evt)
	return args.Get(0).(model.Event), args.Error(1)
}
