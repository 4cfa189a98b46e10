package remotelog

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRemoteLog struct {
	mock.Mock
}

func (m *MockRemoteLog) NewKey(collection string) (string, error) {
	args := m.Called(collection)
	return args.String(0), args.Error(1)
}

func (m *MockRemoteLog) Append(ctx context.Context, collection string, rec Record) (string, error) {
	args := m.Called(ctx, collection, rec)
	return args.String(0), args.Error(1)
}

func (m *MockRemoteLog) Read(ctx context.Context, path string) (Record, error) {
	args := m.Called(ctx, path)
	if rec, ok := args.Get(0).(Record); ok {
		return rec, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRemoteLog) Subscribe(q Query, fn SnapshotFunc) (Subscription, error) {
	args := m.Called(q, fn)
	if sub, ok := args.Get(0).(Subscription); ok {
		return sub, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRemoteLog) Transact(ctx context.Context, path string, merge MergeFunc) (Record, error) {
	args := m.Called(ctx, path, merge)
	if rec, ok := args.Get(0).(Record); ok {
		return rec, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRemoteLog) MultiWrite(ctx context.Context, writes map[string]Record) error {
	args := m.Called(ctx, writes)
	return args.Error(0)
}

func (m *MockRemoteLog) SetPresence(ctx context.Context, path string, rec Record) error {
	args := m.Called(ctx, path, rec)
	return args.Error(0)
}

func (m *MockRemoteLog) RegisterOnDisconnect(ctx context.Context, path string, rec Record) error {
	args := m.Called(ctx, path, rec)
	return args.Error(0)
}

// MockSubscription satisfies Subscription for handler-level tests.
type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Close() {
	m.Called()
}
