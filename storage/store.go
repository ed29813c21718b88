package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an event or tenant does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional status update lost against a concurrent writer.
	ErrConflict = errors.New("conditional update failed")
	// ErrEventAlreadyExists is returned when trying to create an event with a duplicate (tenant_id, event_id).
	ErrEventAlreadyExists = errors.New("event already exists")
	// ErrTenantInactive is returned when a credential resolves to a deactivated tenant.
	ErrTenantInactive = errors.New("tenant is inactive")
)

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	StatusPending   EventStatus = "PENDING"
	StatusDelivered EventStatus = "DELIVERED"
	StatusFailed    EventStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Event is one inbound submission awaiting or having completed delivery.
// Payload holds the canonical JSON bytes that are signed and sent verbatim.
type Event struct {
	TenantID      string
	EventID       string
	Status        EventStatus
	Payload       []byte
	TargetURL     string
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Validate checks a freshly built event before it is persisted.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.TargetURL == "" {
		return fmt.Errorf("target_url is required")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if e.Status != StatusPending || e.Attempts != 0 || e.LastAttemptAt != nil {
		return fmt.Errorf("new events must be PENDING with no attempts")
	}
	return nil
}

// Tenant is a delivery destination and its signing secret.
type Tenant struct {
	TenantID      string
	APIKey        string
	TargetURL     string
	SigningSecret string
	Active        bool
}

// StatusUpdate records the outcome of one delivery attempt.
// It only applies when the stored event is not DELIVERED and still has ExpectedAttempts attempts.
type StatusUpdate struct {
	TenantID         string
	EventID          string
	Status           EventStatus
	Attempts         int
	ExpectedAttempts int
	LastAttemptAt    time.Time
	LastError        string
}

// Validate checks the update against the event invariants.
func (u StatusUpdate) Validate() error {
	if u.TenantID == "" || u.EventID == "" {
		return fmt.Errorf("tenant_id and event_id are required")
	}
	if u.Status != StatusDelivered && u.Status != StatusFailed {
		return fmt.Errorf("invalid target status %q", u.Status)
	}
	if u.Attempts != u.ExpectedAttempts+1 {
		return fmt.Errorf("attempts must advance by exactly one (expected %d, got %d)", u.ExpectedAttempts+1, u.Attempts)
	}
	if u.LastAttemptAt.IsZero() {
		return fmt.Errorf("last_attempt_at is required")
	}
	if u.Status == StatusDelivered && u.LastError != "" {
		return fmt.Errorf("delivered events cannot carry last_error")
	}
	return nil
}

// Apply returns a copy of e with the update applied, or ErrConflict when the
// stored state no longer matches what the writer observed.
func (e Event) Apply(u StatusUpdate) (Event, error) {
	if err := u.Validate(); err != nil {
		return Event{}, err
	}
	if e.Status == StatusDelivered || e.Attempts != u.ExpectedAttempts {
		return Event{}, ErrConflict
	}
	at := u.LastAttemptAt
	e.Status = u.Status
	e.Attempts = u.Attempts
	e.LastAttemptAt = &at
	e.LastError = u.LastError
	return e, nil
}

// EventStore persists events keyed by (tenant_id, event_id).
type EventStore interface {
	// CreateEvent persists a new PENDING event.
	CreateEvent(ctx context.Context, event *Event) error
	// GetEvent returns ErrNotFound if the event does not exist.
	GetEvent(ctx context.Context, tenantID, eventID string) (Event, error)
	// UpdateStatus applies u conditionally and returns ErrConflict if the condition fails.
	UpdateStatus(ctx context.Context, u StatusUpdate) error
}

// TenantDirectory resolves tenants by id and by credential.
type TenantDirectory interface {
	// GetTenant returns ErrNotFound if the tenant does not exist.
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	// ResolveCredential returns ErrNotFound for unknown keys and ErrTenantInactive for deactivated tenants.
	ResolveCredential(ctx context.Context, apiKey string) (Tenant, error)
}

// EventPurger deletes events past their retention horizon.
type EventPurger interface {
	DeleteExpiredEvents(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Store is the full storage surface implemented by the bundled backends.
type Store interface {
	EventStore
	TenantDirectory
	EventPurger
	// PutTenant creates or replaces a tenant record.
	PutTenant(ctx context.Context, tenant Tenant) error
}
