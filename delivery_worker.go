package hookrelay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/storage"
)

// DeliveryWorker performs one delivery attempt per dispatch instruction. It
// holds no state between calls, so any number of them may run concurrently.
type DeliveryWorker struct {
	events    storage.EventStore
	tenants   storage.TenantDirectory
	deliverer Deliverer
	logger    *zap.Logger
	metrics   MetricsCollector
	now       func() time.Time
}

func NewDeliveryWorker(
	events storage.EventStore,
	tenants storage.TenantDirectory,
	deliverer Deliverer,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...DeliveryWorkerOption,
) *DeliveryWorker {
	options := &deliveryWorkerOptions{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &DeliveryWorker{
		events:    events,
		tenants:   tenants,
		deliverer: deliverer,
		logger:    logger,
		metrics:   metrics,
		now:       options.now,
	}
}

// Handle never returns an error: the Outcome says whether to ack or nack.
func (w *DeliveryWorker) Handle(ctx context.Context, in queue.Instruction) Outcome {
	outcome := w.handle(ctx, in)
	w.metrics.IncrementCounter(metricDeliveryOutcome, map[string]string{"outcome": outcome.String()})
	return outcome
}

func (w *DeliveryWorker) handle(ctx context.Context, in queue.Instruction) Outcome {
	logger := w.logger.With(zap.String("tenant_id", in.TenantID), zap.String("event_id", in.EventID))

	event, err := w.events.GetEvent(ctx, in.TenantID, in.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Error("Dispatch instruction references a missing event, discarding")
		return OutcomePoison
	}
	if err != nil {
		logger.Warn("Failed to load event", zap.Error(err))
		return OutcomeTransient
	}
	if event.Status == storage.StatusDelivered {
		logger.Debug("Event already delivered, skipping duplicate instruction")
		return OutcomeDuplicate
	}

	tenant, err := w.tenants.GetTenant(ctx, in.TenantID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Error("Dispatch instruction references an unknown tenant, discarding")
		return OutcomeUnknownTenant
	}
	if err != nil {
		logger.Warn("Failed to load tenant", zap.Error(err))
		return OutcomeTransient
	}
	if !tenant.Active {
		logger.Info("Delivering event accepted before tenant deactivation")
	}

	attemptedAt := w.now()
	result := w.deliverer.Deliver(ctx, DeliveryRequest{
		URL:       event.TargetURL,
		Body:      event.Payload,
		Signature: Sign(event.Payload, tenant.SigningSecret, attemptedAt),
		TenantID:  event.TenantID,
		EventID:   event.EventID,
	})
	w.metrics.RecordDuration(metricDeliveryDuration, result.Duration, nil)

	if !result.Success() && ctx.Err() != nil {
		// Interrupted by shutdown rather than by the endpoint: not an attempt.
		logger.Info("Delivery interrupted", zap.Error(ctx.Err()))
		return OutcomeTransient
	}

	update := storage.StatusUpdate{
		TenantID:         event.TenantID,
		EventID:          event.EventID,
		Status:           storage.StatusDelivered,
		Attempts:         event.Attempts + 1,
		ExpectedAttempts: event.Attempts,
		LastAttemptAt:    attemptedAt,
	}
	if !result.Success() {
		update.Status = storage.StatusFailed
		update.LastError = result.Reason()
	}

	// The attempt happened; record it even if shutdown cancels ctx now.
	writeCtx := context.WithoutCancel(ctx)
	logger = logger.With(zap.Int("attempts", update.Attempts))
	if err := w.events.UpdateStatus(writeCtx, update); err != nil {
		return w.resolveWriteFailure(writeCtx, logger, in, err)
	}

	if result.Success() {
		logger.Info("Event delivered", zap.Int("status_code", result.StatusCode))
		return OutcomeDelivered
	}
	logger.Warn("Delivery attempt failed", zap.String("last_error", update.LastError))
	return OutcomeFailed
}

// resolveWriteFailure decides what to do when the attempt happened but could not be recorded.
func (w *DeliveryWorker) resolveWriteFailure(ctx context.Context, logger *zap.Logger, in queue.Instruction, err error) Outcome {
	switch {
	case errors.Is(err, storage.ErrConflict):
		current, getErr := w.events.GetEvent(ctx, in.TenantID, in.EventID)
		if getErr != nil {
			logger.Warn("Failed to re-read event after conflicting update", zap.Error(getErr))
			return OutcomeTransient
		}
		if current.Status == storage.StatusDelivered {
			logger.Info("Concurrent worker already delivered event")
			return OutcomeDuplicate
		}
		logger.Info("Concurrent attempt recorded first, leaving instruction for redelivery",
			zap.Int("current_attempts", current.Attempts))
		return OutcomeConflict
	case errors.Is(err, storage.ErrNotFound):
		logger.Error("Event disappeared while being delivered, discarding")
		return OutcomePoison
	default:
		logger.Error("Failed to record delivery attempt", zap.Error(err))
		return OutcomeTransient
	}
}
