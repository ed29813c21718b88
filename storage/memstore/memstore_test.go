package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/hookrelay/storage"
)

func newEvent(id string) *storage.Event {
	return &storage.Event{
		TenantID:  "t1",
		EventID:   id,
		Status:    storage.StatusPending,
		Payload:   []byte(`{"k":"v"}`),
		TargetURL: "https://example/hook",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		ExpiresAt: time.Unix(1700000000, 0).UTC().Add(time.Hour),
	}
}

func TestMemStore_EventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateEvent(ctx, newEvent("evt_1")))
	assert.ErrorIs(t, s.CreateEvent(ctx, newEvent("evt_1")), storage.ErrEventAlreadyExists)

	got, err := s.GetEvent(ctx, "t1", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)

	_, err = s.GetEvent(ctx, "t2", "evt_1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "events are scoped by tenant")

	now := time.Unix(1700000100, 0).UTC()
	require.NoError(t, s.UpdateStatus(ctx, storage.StatusUpdate{
		TenantID: "t1", EventID: "evt_1", Status: storage.StatusDelivered,
		Attempts: 1, ExpectedAttempts: 0, LastAttemptAt: now,
	}))

	err = s.UpdateStatus(ctx, storage.StatusUpdate{
		TenantID: "t1", EventID: "evt_1", Status: storage.StatusFailed,
		Attempts: 2, ExpectedAttempts: 1, LastAttemptAt: now, LastError: "HTTP 500",
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err = s.GetEvent(ctx, "t1", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)

	err = s.UpdateStatus(ctx, storage.StatusUpdate{
		TenantID: "t1", EventID: "missing", Status: storage.StatusFailed,
		Attempts: 1, LastAttemptAt: now,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("evt_1")))

	got, err := s.GetEvent(ctx, "t1", "evt_1")
	require.NoError(t, err)
	got.Payload[0] = 'X'

	again, err := s.GetEvent(ctx, "t1", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, string(again.Payload))
}

func TestMemStore_Tenants(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.PutTenant(ctx, storage.Tenant{TenantID: "acme", APIKey: "key-1", TargetURL: "https://a", SigningSecret: "s", Active: true}))
	require.NoError(t, s.PutTenant(ctx, storage.Tenant{TenantID: "globex", APIKey: "key-2", TargetURL: "https://g", SigningSecret: "s", Active: false}))

	tenant, err := s.ResolveCredential(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.TenantID)

	_, err = s.ResolveCredential(ctx, "key-2")
	assert.ErrorIs(t, err, storage.ErrTenantInactive)

	_, err = s.ResolveCredential(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tenant, err = s.GetTenant(ctx, "globex")
	require.NoError(t, err)
	assert.False(t, tenant.Active)

	require.NoError(t, s.PutTenant(ctx, storage.Tenant{TenantID: "acme", APIKey: "key-3", Active: true}))
	_, err = s.ResolveCredential(ctx, "key-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "rotated api key must stop resolving")
}

func TestMemStore_DeleteExpiredEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("evt_1")))
	require.NoError(t, s.CreateEvent(ctx, newEvent("evt_2")))

	deleted, err := s.DeleteExpiredEvents(ctx, time.Unix(1700000000, 0).UTC(), 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = s.DeleteExpiredEvents(ctx, time.Unix(1700000000, 0).UTC().Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
