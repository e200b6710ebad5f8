package storetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/syntrixbase/broker/internal/store"
)

// MockStore is a testify mock of store.Store.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) Get(ctx context.Context, t store.Table, key store.Key) (store.Record, error) {
	args := m.Called(ctx, t, key)
	if rec := args.Get(0); rec != nil {
		return rec.(store.Record), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) Put(ctx context.Context, t store.Table, rec store.Record) error {
	return m.Called(ctx, t, rec).Error(0)
}

func (m *MockStore) Update(ctx context.Context, t store.Table, key store.Key, fields store.Record) error {
	return m.Called(ctx, t, key, fields).Error(0)
}

func (m *MockStore) Delete(ctx context.Context, t store.Table, key store.Key) error {
	return m.Called(ctx, t, key).Error(0)
}

func (m *MockStore) BatchWrite(ctx context.Context, reqs []store.WriteRequest) error {
	return m.Called(ctx, reqs).Error(0)
}

func (m *MockStore) TransactWrite(ctx context.Context, reqs []store.WriteRequest) error {
	return m.Called(ctx, reqs).Error(0)
}

func (m *MockStore) Query(ctx context.Context, in store.QueryInput) (store.Page, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(store.Page), args.Error(1)
}

func (m *MockStore) Scan(ctx context.Context, in store.ScanInput) (store.Page, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(store.Page), args.Error(1)
}

func (m *MockStore) MaxBatchItems() int {
	return m.Called().Int(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// MockSweeper is a testify mock of store.Sweeper.
type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}
