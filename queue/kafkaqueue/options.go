package kafkaqueue

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/overtonx/hookrelay/queue"
)

type Option func(*KafkaQueue)

func WithProducerProps(props kafka.ConfigMap) Option {
	return func(q *KafkaQueue) {
		for k, v := range props {
			q.producerProps[k] = v
		}
	}
}

func WithConsumerProps(props kafka.ConfigMap) Option {
	return func(q *KafkaQueue) {
		for k, v := range props {
			q.consumerProps[k] = v
		}
	}
}

// WithBootstrapServers sets bootstrap.servers on both clients.
func WithBootstrapServers(servers string) Option {
	return func(q *KafkaQueue) {
		q.producerProps["bootstrap.servers"] = servers
		q.consumerProps["bootstrap.servers"] = servers
	}
}

func WithGroupID(groupID string) Option {
	return func(q *KafkaQueue) {
		q.consumerProps["group.id"] = groupID
	}
}

// WithDeadLetterTopic names the topic that receives messages exceeding MaxReceives.
func WithDeadLetterTopic(topic string) Option {
	return func(q *KafkaQueue) {
		q.deadLetterTopic = topic
	}
}

// WithConfig sets MaxReceives. Visibility timeout and backoff have no Kafka equivalent.
func WithConfig(cfg queue.Config) Option {
	return func(q *KafkaQueue) {
		q.cfg = cfg
	}
}

func WithPollTimeout(timeout time.Duration) Option {
	return func(q *KafkaQueue) {
		if timeout > 0 {
			q.pollTimeout = timeout
		}
	}
}

// WithAssignTimeout bounds how long Receive waits for a partition assignment
// before reporting the queue as empty.
func WithAssignTimeout(timeout time.Duration) Option {
	return func(q *KafkaQueue) {
		if timeout > 0 {
			q.assignTimeout = timeout
		}
	}
}
