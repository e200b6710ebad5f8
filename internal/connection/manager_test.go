package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/internal/gateway"
	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/internal/store/memory"
	"github.com/syntrixbase/broker/internal/store/storetest"
	"github.com/syntrixbase/broker/internal/subscription"
	"github.com/syntrixbase/broker/internal/ttl"
	"github.com/syntrixbase/broker/pkg/model"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Push(ctx context.Context, endpoint, connectionID string, data []byte) error {
	return m.Called(ctx, endpoint, connectionID, data).Error(0)
}

func (m *MockGateway) Terminate(ctx context.Context, endpoint, connectionID string) error {
	return m.Called(ctx, endpoint, connectionID).Error(0)
}

type MockPurger struct {
	mock.Mock
}

func (m *MockPurger) UnsubscribeAllByConnectionID(ctx context.Context, connectionID string) error {
	return m.Called(ctx, connectionID).Error(0)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestManager(s store.Store, gw gateway.Gateway, subs SubscriptionPurger, clock *fakeClock) *Manager {
	m := NewManager(s, gw, subs, Config{TTL: ttl.Seconds(60), Clock: clock.Now})
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func TestManager_RegisterAndHydrate(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	mem := memory.New()
	m := newTestManager(mem, nil, nil, clock)

	conn, err := m.Register(ctx, model.ConnectEvent{ConnectionID: "c1", Endpoint: "https://gw/prod"})
	require.NoError(t, err)
	assert.Equal(t, "c1", conn.ID)
	assert.Equal(t, "https://gw/prod", conn.Endpoint())
	assert.False(t, conn.Data.IsInitialized)
	assert.Empty(t, conn.Data.Context)
	require.NotNil(t, conn.TTL)
	assert.Equal(t, int64(1060), *conn.TTL)

	got, err := m.Hydrate(ctx, "c1", HydrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, conn, got)

	clock.now = time.Unix(1060, 0)
	_, err = m.Hydrate(ctx, "c1", HydrateOptions{})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, 1, mem.Len("Connections"), "expired record is still physically present")
}

func TestManager_RegisterTwiceOverwrites(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	m := newTestManager(mem, nil, nil, &fakeClock{now: time.Unix(1000, 0)})

	_, err := m.Register(ctx, model.ConnectEvent{ConnectionID: "c1", Endpoint: "a"})
	require.NoError(t, err)
	_, err = m.Register(ctx, model.ConnectEvent{ConnectionID: "c1", Endpoint: "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, mem.Len("Connections"))
	conn, err := m.Hydrate(ctx, "c1", HydrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", conn.Endpoint())
}

func TestManager_HydrateRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("exactly retryCount+1 reads", func(t *testing.T) {
		ms := new(storetest.MockStore)
		ms.On("Get", mock.Anything, mock.Anything, store.Key{Partition: "c1"}).Return(nil, store.ErrNotFound).Times(3)

		m := newTestManager(ms, nil, nil, &fakeClock{now: time.Unix(1, 0)})
		var sleeps []time.Duration
		m.sleep = func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}

		_, err := m.Hydrate(ctx, "c1", HydrateOptions{RetryCount: 2, Timeout: 10 * time.Millisecond})
		assert.ErrorIs(t, err, model.ErrNotFound)
		ms.AssertNumberOfCalls(t, "Get", 3)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, sleeps)
	})

	t.Run("succeeds on a later read", func(t *testing.T) {
		ms := new(storetest.MockStore)
		ms.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(nil, store.ErrNotFound).Once()
		ms.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(store.Record{"id": "c1", "data": map[string]interface{}{"endpoint": "e"}}, nil).Once()

		m := newTestManager(ms, nil, nil, &fakeClock{now: time.Unix(1, 0)})
		conn, err := m.Hydrate(ctx, "c1", HydrateOptions{RetryCount: 5})
		require.NoError(t, err)
		assert.Equal(t, "e", conn.Endpoint())
		ms.AssertNumberOfCalls(t, "Get", 2)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		boom := errors.New("boom")
		ms := new(storetest.MockStore)
		ms.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)

		m := newTestManager(ms, nil, nil, &fakeClock{now: time.Unix(1, 0)})
		_, err := m.Hydrate(ctx, "c1", HydrateOptions{RetryCount: 3})
		assert.ErrorIs(t, err, boom)
		ms.AssertNumberOfCalls(t, "Get", 1)
	})

	t.Run("real sleep honors context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, sleepContext(cctx, time.Hour), context.Canceled)
		assert.NoError(t, sleepContext(ctx, time.Millisecond))
	})
}

func TestManager_SetDataReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	m := newTestManager(mem, nil, nil, &fakeClock{now: time.Unix(1000, 0)})

	conn, err := m.Register(ctx, model.ConnectEvent{ConnectionID: "c1", Endpoint: "e"})
	require.NoError(t, err)
	require.NoError(t, m.SetData(ctx, model.ConnectionData{Endpoint: "e", Context: map[string]interface{}{"a": "1"}, IsInitialized: true}, conn))
	require.NoError(t, m.SetData(ctx, model.ConnectionData{Endpoint: "e", Context: map[string]interface{}{"b": "2"}}, conn))

	got, err := m.Hydrate(ctx, "c1", HydrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"b": "2"}, got.Data.Context)
	assert.False(t, got.Data.IsInitialized)
	assert.Equal(t, conn.CreatedAt, got.CreatedAt)

	err = m.SetData(ctx, model.ConnectionData{}, model.Connection{ID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManager_Send(t *testing.T) {
	ctx := context.Background()
	conn := model.Connection{ID: "c1", Data: model.ConnectionData{Endpoint: "e"}}

	t.Run("delivers", func(t *testing.T) {
		gw := new(MockGateway)
		gw.On("Push", mock.Anything, "e", "c1", []byte("hi")).Return(nil)
		m := newTestManager(memory.New(), gw, new(MockPurger), &fakeClock{})
		require.NoError(t, m.Send(ctx, conn, []byte("hi")))
		gw.AssertExpectations(t)
	})

	t.Run("gone is swallowed and unregisters", func(t *testing.T) {
		mem := memory.New()
		gw := new(MockGateway)
		gw.On("Push", mock.Anything, "e", "c1", mock.Anything).Return(gateway.ErrGone)
		subs := new(MockPurger)
		subs.On("UnsubscribeAllByConnectionID", mock.Anything, "c1").Return(nil).Once()
		m := newTestManager(mem, gw, subs, &fakeClock{now: time.Unix(1, 0)})

		_, err := m.Register(ctx, model.ConnectEvent{ConnectionID: "c1", Endpoint: "e"})
		require.NoError(t, err)

		require.NoError(t, m.Send(ctx, conn, []byte("hi")))
		assert.Equal(t, 0, mem.Len("Connections"))
		subs.AssertExpectations(t)
	})

	t.Run("gone with failing cleanup surfaces the cleanup error", func(t *testing.T) {
		boom := errors.New("scan failed")
		gw := new(MockGateway)
		gw.On("Push", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(gateway.ErrGone)
		subs := new(MockPurger)
		subs.On("UnsubscribeAllByConnectionID", mock.Anything, "c1").Return(boom)
		m := newTestManager(memory.New(), gw, subs, &fakeClock{})

		err := m.Send(ctx, conn, []byte("hi"))
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, gateway.ErrGone)
	})

	t.Run("other failures propagate", func(t *testing.T) {
		boom := errors.New("timeout")
		gw := new(MockGateway)
		gw.On("Push", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(boom)
		subs := new(MockPurger)
		m := newTestManager(memory.New(), gw, subs, &fakeClock{})

		assert.ErrorIs(t, m.Send(ctx, conn, []byte("hi")), boom)
		subs.AssertNotCalled(t, "UnsubscribeAllByConnectionID", mock.Anything, mock.Anything)
	})
}

func TestManager_UnregisterRemovesSubscriptions(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	idx := subscription.NewSimple(mem)
	m := newTestManager(mem, nil, idx, &fakeClock{now: time.Now()})

	conn, err := m.Register(ctx, model.ConnectEvent{ConnectionID: "c1", Endpoint: "e"})
	require.NoError(t, err)
	other, err := m.Register(ctx, model.ConnectEvent{ConnectionID: "c2", Endpoint: "e"})
	require.NoError(t, err)
	require.NoError(t, idx.Subscribe(ctx, []string{"a"}, conn, model.Operation{OperationID: "1"}))
	require.NoError(t, idx.Subscribe(ctx, []string{"b"}, conn, model.Operation{OperationID: "2"}))
	require.NoError(t, idx.Subscribe(ctx, []string{"a"}, other, model.Operation{OperationID: "1"}))

	require.NoError(t, m.Unregister(ctx, conn))

	assert.Equal(t, 1, mem.Len("Connections"))
	assert.Equal(t, 1, mem.Len("Subscriptions"))
	assert.Equal(t, 1, mem.Len("SubscriptionOperations"))
	_, err = m.Hydrate(ctx, "c1", HydrateOptions{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	conn := model.Connection{ID: "c1", Data: model.ConnectionData{Endpoint: "e"}}

	gw := new(MockGateway)
	gw.On("Terminate", mock.Anything, "e", "c1").Return(nil).Once()
	m := newTestManager(memory.New(), gw, nil, &fakeClock{})
	require.NoError(t, m.Close(ctx, conn))
	gw.AssertExpectations(t)
}
