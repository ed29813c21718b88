package hookrelay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
)

// Reconciler moves instructions from the dead-letter queue back onto the
// dispatch queue. It is run by an operator, never on a schedule.
type Reconciler struct {
	deadLetter queue.Queue
	live       queue.Queue
	codec      queue.Codec
	logger     *zap.Logger
	metrics    MetricsCollector
}

func NewReconciler(
	deadLetter queue.Queue,
	live queue.Queue,
	logger *zap.Logger,
	metrics MetricsCollector,
	opts ...ReconcilerOption,
) *Reconciler {
	options := &reconcilerOptions{codec: queue.JSONCodec{}}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Reconciler{
		deadLetter: deadLetter,
		live:       live,
		codec:      options.codec,
		logger:     logger,
		metrics:    metrics,
	}
}

// Reconcile requeues at most MaxMessages dead-lettered instructions, receiving
// them BatchSize at a time. An instruction is removed from the dead-letter
// queue only after it was accepted by the dispatch queue. Malformed messages
// are counted as failed and discarded. On cancellation the counts so far are
// returned together with the context error.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResult, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordDuration(metricReconcilerDuration, time.Since(start), nil)
	}()

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReconcileBatchSize
	}
	maxMessages := req.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultReconcileMax
	}

	var result ReconcileResult
	processed := 0
	for processed < maxMessages {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msgs, err := r.deadLetter.Receive(ctx, min(batchSize, maxMessages-processed))
		if err != nil {
			return result, fmt.Errorf("failed to receive from dead-letter queue: %w", err)
		}
		if len(msgs) == 0 {
			break
		}

		for _, msg := range msgs {
			if err := ctx.Err(); err != nil {
				r.logger.Warn("Context cancelled during reconciliation", zap.Error(err))
				return result, err
			}
			processed++
			if r.requeue(ctx, msg) {
				result.Requeued++
				r.metrics.IncrementCounter(metricReconcilerRequeued, nil)
			} else {
				result.Failed++
				r.metrics.IncrementCounter(metricReconcilerFailed, nil)
			}
		}
	}

	r.logger.Info("Reconciliation finished",
		zap.Int("requeued", result.Requeued),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (r *Reconciler) requeue(ctx context.Context, msg queue.Message) bool {
	logger := r.logger.With(zap.String("message_id", msg.ID))

	in, err := r.codec.Decode(msg.Body)
	if err != nil {
		logger.Error("Discarding malformed dead-letter message", zap.Error(err))
		if ackErr := r.deadLetter.Ack(ctx, msg); ackErr != nil {
			logger.Warn("Failed to discard malformed message", zap.Error(ackErr))
		}
		return false
	}
	logger = logger.With(zap.String("tenant_id", in.TenantID), zap.String("event_id", in.EventID))

	body, err := r.codec.Encode(in)
	if err == nil {
		err = r.live.Enqueue(ctx, body)
	}
	if err != nil {
		logger.Error("Failed to requeue instruction, leaving it on the dead-letter queue", zap.Error(err))
		if nackErr := r.deadLetter.Nack(ctx, msg); nackErr != nil {
			logger.Warn("Failed to release dead-letter message", zap.Error(nackErr))
		}
		return false
	}

	if err := r.deadLetter.Ack(ctx, msg); err != nil {
		// Already on the dispatch queue; a second copy is absorbed by the duplicate check.
		logger.Warn("Requeued instruction could not be removed from the dead-letter queue", zap.Error(err))
	}
	return true
}
