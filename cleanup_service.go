package hookrelay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/storage"
)

// CleanupService deletes records past their retention horizon. It never
// touches events that are still within retention, whatever their status.
type CleanupService struct {
	events         storage.EventPurger
	queues         []queue.Purger
	logger         *zap.Logger
	metrics        MetricsCollector
	batchSize      int
	queueRetention time.Duration
	now            func() time.Time
}

func NewCleanupService(
	events storage.EventPurger,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...CleanupServiceOption,
) *CleanupService {
	options := &cleanupServiceOptions{
		batchSize:      defaultRetentionBatchSize,
		queueRetention: defaultEventRetention,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.batchSize <= 0 {
		options.batchSize = defaultRetentionBatchSize
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupService{
		events:         events,
		queues:         options.queues,
		logger:         logger,
		metrics:        metrics,
		batchSize:      options.batchSize,
		queueRetention: options.queueRetention,
		now:            options.now,
	}
}

// Worker wraps Cleanup in a BaseWorker.
func (s *CleanupService) Worker(interval time.Duration) *BaseWorker {
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	return NewBaseWorker("retention", interval, s.logger, s.Cleanup)
}

// Cleanup is the workFunc of the retention worker. Failures are logged and
// counted; the next run retries them.
func (s *CleanupService) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration(metricRetentionDuration, time.Since(start), nil)
	}()

	now := s.now().UTC()

	eventsDeleted, err := s.deleteExpiredEvents(ctx, now)
	if err != nil {
		s.logger.Error("Failed to delete expired events", zap.Error(err))
		s.metrics.IncrementCounter(metricRetentionFailed, map[string]string{"target": "events"})
	}
	if eventsDeleted > 0 {
		s.logger.Info("Deleted expired events", zap.Int64("count", eventsDeleted))
		s.metrics.RecordGauge(metricRetentionDeleted, float64(eventsDeleted), map[string]string{"target": "events"})
	}

	before := now.Add(-s.queueRetention)
	for _, q := range s.queues {
		purged, err := q.PurgeOlderThan(ctx, before)
		if err != nil {
			s.logger.Error("Failed to purge expired queue messages", zap.Error(err))
			s.metrics.IncrementCounter(metricRetentionFailed, map[string]string{"target": "queue"})
			continue
		}
		if purged > 0 {
			s.logger.Info("Purged expired queue messages", zap.Int64("count", purged))
			s.metrics.RecordGauge(metricRetentionDeleted, float64(purged), map[string]string{"target": "queue"})
		}
	}
	return nil
}

// deleteExpiredEvents deletes in batches so a large backlog never holds one long transaction.
func (s *CleanupService) deleteExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := s.events.DeleteExpiredEvents(ctx, now, s.batchSize)
		total += deleted
		if err != nil {
			return total, err
		}
		if deleted < int64(s.batchSize) {
			return total, nil
		}
	}
}
