// Package kafkaqueue implements queue.Queue on a Kafka topic.
//
// Kafka has no per-message visibility: a nacked message is republished at the
// tail of the topic with its receive count carried in a header, so redelivery
// happens as soon as a consumer reaches it rather than after a backoff delay.
package kafkaqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
)

const (
	defaultPollTimeout   = 100 * time.Millisecond
	defaultAssignTimeout = 10 * time.Second
)

// consumerClient is the subset of *kafka.Consumer the queue uses.
type consumerClient interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Assignment() ([]kafka.TopicPartition, error)
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

// KafkaQueue produces and consumes dispatch messages on one topic. Offsets are
// committed only up to the lowest message still in flight on each partition.
// The consumer joins its group on the first Receive, so producer-only use
// never triggers a rebalance.
type KafkaQueue struct {
	logger          *zap.Logger
	producer        *kafka.Producer
	producerProps   kafka.ConfigMap
	consumerProps   kafka.ConfigMap
	topic           string
	deadLetterTopic string
	cfg             queue.Config
	pollTimeout     time.Duration
	assignTimeout   time.Duration
	newConsumer     func(props kafka.ConfigMap) (consumerClient, error)

	consumerMu sync.Mutex
	consumer   consumerClient

	mu       sync.Mutex
	inflight map[string]kafka.TopicPartition
	offsets  *offsetTracker
}

var _ queue.Queue = (*KafkaQueue)(nil)

func New(logger *zap.Logger, topic string, opts ...Option) (*KafkaQueue, error) {
	q := newQueue(logger, topic, opts...)

	producer, err := kafka.NewProducer(&q.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	q.producer = producer

	go q.handleProducerEvents()

	return q, nil
}

func newQueue(logger *zap.Logger, topic string, opts ...Option) *KafkaQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &KafkaQueue{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		consumerProps: kafka.ConfigMap{
			"group.id":           "hookrelay",
			"enable.auto.commit": false,
			"auto.offset.reset":  "earliest",
		},
		topic:         topic,
		cfg:           queue.DefaultConfig(),
		pollTimeout:   defaultPollTimeout,
		assignTimeout: defaultAssignTimeout,
		newConsumer: func(props kafka.ConfigMap) (consumerClient, error) {
			return kafka.NewConsumer(&props)
		},
		inflight: make(map[string]kafka.TopicPartition),
		offsets:  newOffsetTracker(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cfg = q.cfg.WithDefaults()
	return q
}

// subscribed returns the group consumer, creating and subscribing it on first use.
func (q *KafkaQueue) subscribed() (consumerClient, error) {
	q.consumerMu.Lock()
	defer q.consumerMu.Unlock()
	if q.consumer != nil {
		return q.consumer, nil
	}
	consumer, err := q.newConsumer(q.consumerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := consumer.SubscribeTopics([]string{q.topic}, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", q.topic, err)
	}
	q.consumer = consumer
	return consumer, nil
}

func (q *KafkaQueue) assigned(consumer consumerClient) bool {
	partitions, err := consumer.Assignment()
	if err != nil {
		q.logger.Warn("Failed to read partition assignment", zap.Error(err))
		return false
	}
	return len(partitions) > 0
}

// Enqueue waits for the broker's delivery report before returning.
func (q *KafkaQueue) Enqueue(ctx context.Context, body []byte) error {
	return q.produce(ctx, q.topic, body, 0)
}

func (q *KafkaQueue) produce(ctx context.Context, topic string, body []byte, receiveCount int) error {
	deliveryChan := make(chan kafka.Event, 1)
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          body,
		Headers:        withReceiveCount(nil, receiveCount),
		Timestamp:      time.Now(),
	}
	if err := q.producer.Produce(message, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event for %s: %v", topic, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Receive waits up to the assign timeout for the group to hand this consumer
// partitions; an empty poll only means an empty queue once it has some.
func (q *KafkaQueue) Receive(ctx context.Context, max int) ([]queue.Message, error) {
	consumer, err := q.subscribed()
	if err != nil {
		return nil, err
	}

	var (
		out      []queue.Message
		deadline time.Time
	)
	timeout := q.pollTimeout
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ev := consumer.Poll(int(timeout.Milliseconds()))
		if ev == nil {
			if len(out) > 0 || q.assigned(consumer) {
				break
			}
			if deadline.IsZero() {
				deadline = time.Now().Add(q.assignTimeout)
			}
			if !time.Now().Before(deadline) {
				q.logger.Warn("No partitions assigned yet", zap.String("topic", q.topic))
				break
			}
			timeout = q.pollTimeout
			continue
		}
		// Once messages flow only buffered ones are drained.
		timeout = 0

		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				q.logger.Error("Consume failed", zap.Error(e.TopicPartition.Error))
				continue
			}
			msg, ok, err := q.accept(ctx, e)
			if err != nil {
				return out, err
			}
			if ok {
				out = append(out, msg)
			}
		case kafka.Error:
			if e.IsFatal() {
				return out, fmt.Errorf("fatal kafka error: %w", e)
			}
			q.logger.Warn("Kafka consumer error", zap.Error(e))
		}
	}
	return out, nil
}

func (q *KafkaQueue) accept(ctx context.Context, m *kafka.Message) (queue.Message, bool, error) {
	tp := m.TopicPartition
	previous := ReceiveCount(m.Headers)
	handle := receiptHandle(tp)

	q.mu.Lock()
	q.offsets.start(tp)
	q.mu.Unlock()

	if q.deadLetterTopic != "" && q.cfg.Exhausted(previous) {
		if err := q.produce(ctx, q.deadLetterTopic, m.Value, 0); err != nil {
			return queue.Message{}, false, fmt.Errorf("failed to move message %s to %s: %w", handle, q.deadLetterTopic, err)
		}
		q.logger.Warn("Message exceeded max receives, moved to dead-letter topic",
			zap.String("message_id", handle),
			zap.Int("receive_count", previous),
			zap.String("dead_letter_topic", q.deadLetterTopic),
		)
		return queue.Message{}, false, q.finish(tp)
	}

	q.mu.Lock()
	q.inflight[handle] = tp
	q.mu.Unlock()

	return queue.Message{
		ID:            handle,
		Body:          m.Value,
		ReceiptHandle: handle,
		ReceiveCount:  previous + 1,
		EnqueuedAt:    m.Timestamp,
	}, true, nil
}

func (q *KafkaQueue) Ack(ctx context.Context, msg queue.Message) error {
	tp, err := q.take(msg)
	if err != nil {
		return err
	}
	return q.finish(tp)
}

// Nack republishes the message with its receive count, then releases the original offset.
func (q *KafkaQueue) Nack(ctx context.Context, msg queue.Message) error {
	tp, err := q.take(msg)
	if err != nil {
		return err
	}
	if err := q.produce(ctx, q.topic, msg.Body, msg.ReceiveCount); err != nil {
		q.mu.Lock()
		q.inflight[msg.ReceiptHandle] = tp
		q.mu.Unlock()
		return err
	}
	return q.finish(tp)
}

func (q *KafkaQueue) take(msg queue.Message) (kafka.TopicPartition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tp, ok := q.inflight[msg.ReceiptHandle]
	if !ok {
		return kafka.TopicPartition{}, fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, msg.ReceiptHandle)
	}
	delete(q.inflight, msg.ReceiptHandle)
	return tp, nil
}

func (q *KafkaQueue) finish(tp kafka.TopicPartition) error {
	q.mu.Lock()
	commit, ok := q.offsets.done(tp)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	q.consumerMu.Lock()
	consumer := q.consumer
	q.consumerMu.Unlock()
	if consumer == nil {
		return fmt.Errorf("failed to commit offset %v: queue is closed", commit)
	}
	if _, err := consumer.CommitOffsets([]kafka.TopicPartition{commit}); err != nil {
		return fmt.Errorf("failed to commit offset %v: %w", commit, err)
	}
	return nil
}

// Close flushes the producer and leaves the consumer group if it was joined.
func (q *KafkaQueue) Close() error {
	q.logger.Info("Closing kafka queue", zap.String("topic", q.topic))
	var err error
	q.consumerMu.Lock()
	if q.consumer != nil {
		err = q.consumer.Close()
		q.consumer = nil
	}
	q.consumerMu.Unlock()
	q.producer.Flush(15 * 1000)
	q.producer.Close()
	return err
}

func (q *KafkaQueue) handleProducerEvents() {
	for e := range q.producer.Events() {
		if ev, ok := e.(kafka.Error); ok {
			q.logger.Error("Kafka producer error", zap.Error(ev))
		}
	}
}
