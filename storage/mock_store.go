package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateEvent(ctx context.Context, event *Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) GetEvent(ctx context.Context, tenantID, eventID string) (Event, error) {
	args := m.Called(ctx, tenantID, eventID)
	return args.Get(0).(Event), args.Error(1)
}

func (m *MockStore) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockStore) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(Tenant), args.Error(1)
}

func (m *MockStore) ResolveCredential(ctx context.Context, apiKey string) (Tenant, error) {
	args := m.Called(ctx, apiKey)
	return args.Get(0).(Tenant), args.Error(1)
}

func (m *MockStore) PutTenant(ctx context.Context, tenant Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

func (m *MockStore) DeleteExpiredEvents(ctx context.Context, now time.Time, limit int) (int64, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).(int64), args.Error(1)
}
