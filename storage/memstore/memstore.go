// Package memstore is an in-memory storage.Store used by tests and local runs.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/overtonx/hookrelay/storage"
)

type eventKey struct {
	tenantID string
	eventID  string
}

// MemStore keeps events and tenants in maps guarded by a single mutex.
type MemStore struct {
	mu      sync.RWMutex
	events  map[eventKey]storage.Event
	tenants map[string]storage.Tenant
	apiKeys map[string]string
}

var _ storage.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		events:  make(map[eventKey]storage.Event),
		tenants: make(map[string]storage.Tenant),
		apiKeys: make(map[string]string),
	}
}

func (s *MemStore) CreateEvent(_ context.Context, event *storage.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{event.TenantID, event.EventID}
	if _, exists := s.events[key]; exists {
		return storage.ErrEventAlreadyExists
	}
	s.events[key] = cloneEvent(*event)
	return nil
}

func (s *MemStore) GetEvent(_ context.Context, tenantID, eventID string) (storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[eventKey{tenantID, eventID}]
	if !ok {
		return storage.Event{}, storage.ErrNotFound
	}
	return cloneEvent(event), nil
}

func (s *MemStore) UpdateStatus(_ context.Context, u storage.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{u.TenantID, u.EventID}
	current, ok := s.events[key]
	if !ok {
		return storage.ErrNotFound
	}
	updated, err := current.Apply(u)
	if err != nil {
		return err
	}
	s.events[key] = updated
	return nil
}

func (s *MemStore) GetTenant(_ context.Context, tenantID string) (storage.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[tenantID]
	if !ok {
		return storage.Tenant{}, storage.ErrNotFound
	}
	return tenant, nil
}

func (s *MemStore) ResolveCredential(_ context.Context, apiKey string) (storage.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID, ok := s.apiKeys[apiKey]
	if !ok {
		return storage.Tenant{}, storage.ErrNotFound
	}
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return storage.Tenant{}, storage.ErrNotFound
	}
	if !tenant.Active {
		return storage.Tenant{}, storage.ErrTenantInactive
	}
	return tenant, nil
}

func (s *MemStore) PutTenant(_ context.Context, tenant storage.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.tenants[tenant.TenantID]; ok && previous.APIKey != tenant.APIKey {
		delete(s.apiKeys, previous.APIKey)
	}
	s.tenants[tenant.TenantID] = tenant
	if tenant.APIKey != "" {
		s.apiKeys[tenant.APIKey] = tenant.TenantID
	}
	return nil
}

func (s *MemStore) DeleteExpiredEvents(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, event := range s.events {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if !event.ExpiresAt.IsZero() && event.ExpiresAt.Before(now) {
			delete(s.events, key)
			deleted++
		}
	}
	return deleted, nil
}

func cloneEvent(e storage.Event) storage.Event {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.LastAttemptAt != nil {
		at := *e.LastAttemptAt
		e.LastAttemptAt = &at
	}
	return e
}
