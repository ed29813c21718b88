package hookrelay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/hookrelay/queue"
)

// Handler turns an instruction into an Outcome. *DeliveryWorker is the production Handler.
type Handler interface {
	Handle(ctx context.Context, in queue.Instruction) Outcome
}

// Consumer receives batches from the dispatch queue, runs each message
// through the Handler concurrently and settles it with Ack or Nack.
type Consumer struct {
	queue       queue.Queue
	handler     Handler
	codec       queue.Codec
	logger      *zap.Logger
	metrics     MetricsCollector
	batchSize   int
	concurrency int
	interval    time.Duration
}

func NewConsumer(q queue.Queue, handler Handler, logger *zap.Logger, metrics MetricsCollector, opts ...ConsumerOption) *Consumer {
	options := &consumerOptions{
		batchSize:   defaultConsumerBatchSize,
		concurrency: defaultConsumerConcurrency,
		interval:    defaultConsumerInterval,
		codec:       queue.JSONCodec{},
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.batchSize <= 0 {
		options.batchSize = defaultConsumerBatchSize
	}
	if options.concurrency <= 0 {
		options.concurrency = defaultConsumerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	return &Consumer{
		queue:       q,
		handler:     handler,
		codec:       options.codec,
		logger:      logger,
		metrics:     metrics,
		batchSize:   options.batchSize,
		concurrency: options.concurrency,
		interval:    options.interval,
	}
}

// Worker wraps the consumer in a BaseWorker polling at the configured interval.
func (c *Consumer) Worker(name string) *BaseWorker {
	return NewBaseWorker(name, c.interval, c.logger, c.ProcessBatch)
}

// ProcessBatch handles one received batch. It returns ErrWorkPending when the
// batch was full so the worker polls again without waiting for the next tick.
func (c *Consumer) ProcessBatch(ctx context.Context) error {
	start := time.Now()

	msgs, err := c.queue.Receive(ctx, c.batchSize)
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	defer func() {
		c.metrics.RecordDuration(metricConsumerBatch, time.Since(start), nil)
	}()
	c.metrics.RecordGauge(metricConsumerBatchSize, float64(len(msgs)), nil)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			c.process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	if len(msgs) == c.batchSize && ctx.Err() == nil {
		return ErrWorkPending
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg queue.Message) {
	logger := c.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	var outcome Outcome
	in, err := c.codec.Decode(msg.Body)
	if err != nil {
		logger.Error("Discarding malformed dispatch instruction", zap.Error(err))
		outcome = OutcomePoison
	} else {
		outcome = c.handler.Handle(ctx, in)
	}

	// Settle even when shutdown cancelled ctx, otherwise the message waits out its visibility timeout.
	settleCtx := context.WithoutCancel(ctx)
	if outcome.Acknowledge() {
		if err := c.queue.Ack(settleCtx, msg); err != nil {
			logger.Warn("Failed to ack message", zap.String("outcome", outcome.String()), zap.Error(err))
		}
		return
	}
	if err := c.queue.Nack(settleCtx, msg); err != nil {
		logger.Warn("Failed to nack message", zap.String("outcome", outcome.String()), zap.Error(err))
	}
}
