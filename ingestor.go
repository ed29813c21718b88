package hookrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/storage"
)

// Ingestor accepts payloads for tenants: it snapshots the tenant's target URL,
// stores a PENDING event and enqueues its dispatch instruction.
type Ingestor struct {
	events    storage.EventStore
	tenants   storage.TenantDirectory
	queue     queue.Queue
	codec     queue.Codec
	trManager trm.Manager
	logger    *zap.Logger
	metrics   MetricsCollector
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

func NewIngestor(
	events storage.EventStore,
	tenants storage.TenantDirectory,
	q queue.Queue,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...IngestorOption,
) *Ingestor {
	options := &ingestorOptions{
		codec:     queue.JSONCodec{},
		retention: defaultEventRetention,
		now:       time.Now,
		newID:     NewEventID,
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Ingestor{
		events:    events,
		tenants:   tenants,
		queue:     q,
		codec:     options.codec,
		trManager: options.trManager,
		logger:    logger,
		metrics:   metrics,
		retention: options.retention,
		now:       options.now,
		newID:     options.newID,
	}
}

// NewEventID returns "evt_" followed by 12 random hex characters.
func NewEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Ingest accepts a payload for an active tenant.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	tenant, err := i.tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to load tenant %s: %w", req.TenantID, err)
	}
	if !tenant.Active {
		return IngestResult{}, storage.ErrTenantInactive
	}
	return i.ingest(ctx, tenant, req.Payload)
}

// IngestForCredential resolves an API key to its tenant and accepts the payload.
// Unknown keys fail with storage.ErrNotFound, inactive tenants with storage.ErrTenantInactive.
func (i *Ingestor) IngestForCredential(ctx context.Context, apiKey string, payload []byte) (IngestResult, error) {
	tenant, err := i.tenants.ResolveCredential(ctx, apiKey)
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to resolve credential: %w", err)
	}
	return i.ingest(ctx, tenant, payload)
}

func (i *Ingestor) ingest(ctx context.Context, tenant storage.Tenant, payload []byte) (IngestResult, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return IngestResult{}, err
	}

	now := i.now().UTC()
	event := &storage.Event{
		TenantID:  tenant.TenantID,
		EventID:   i.newID(),
		Status:    storage.StatusPending,
		Payload:   canonical,
		TargetURL: tenant.TargetURL,
		CreatedAt: now,
		ExpiresAt: now.Add(i.retention),
	}
	body, err := i.codec.Encode(queue.Instruction{TenantID: event.TenantID, EventID: event.EventID})
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to encode instruction: %w", err)
	}

	err = i.inTransaction(ctx, func(ctx context.Context) error {
		if err := i.events.CreateEvent(ctx, event); err != nil {
			return err
		}
		return i.queue.Enqueue(ctx, body)
	})
	if err != nil {
		if errors.Is(err, storage.ErrEventAlreadyExists) {
			return IngestResult{}, err
		}
		return IngestResult{}, fmt.Errorf("failed to accept event: %w", err)
	}

	i.metrics.IncrementCounter(metricIngestCreated, map[string]string{"tenant_id": event.TenantID})
	i.logger.Info("Event accepted",
		zap.String("tenant_id", event.TenantID),
		zap.String("event_id", event.EventID),
	)
	return IngestResult{EventID: event.EventID, Status: event.Status, CreatedAt: event.CreatedAt}, nil
}

// inTransaction runs fn in a transaction when a manager is configured. Without
// one a failed enqueue leaves a PENDING event no instruction points to.
func (i *Ingestor) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if i.trManager == nil {
		return fn(ctx)
	}
	return i.trManager.Do(ctx, fn)
}
