// Package queue defines the at-least-once dispatch queue contract used by the
// delivery pipeline, the instruction it carries, and its codecs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedInstruction is returned when a message body is not a valid dispatch instruction.
	ErrMalformedInstruction = errors.New("malformed dispatch instruction")
	// ErrUnknownReceipt is returned when acking or nacking a message the queue no longer tracks.
	ErrUnknownReceipt = errors.New("unknown receipt handle")
)

const (
	defaultVisibilityTimeout = 60 * time.Second
	defaultMaxReceives       = 5
)

// Instruction tells a consumer which event to deliver. It is not a source of truth.
type Instruction struct {
	TenantID string `json:"tenantId"`
	EventID  string `json:"eventId"`
}

// Validate checks that both identifiers are present.
func (i Instruction) Validate() error {
	if i.TenantID == "" || i.EventID == "" {
		return fmt.Errorf("%w: tenantId and eventId are required", ErrMalformedInstruction)
	}
	return nil
}

// Message is a received queue entry. ReceiptHandle identifies this particular
// receive and is what Ack and Nack operate on.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
	EnqueuedAt    time.Time
}

// Queue is an at-least-once queue with visibility-timeout semantics.
type Queue interface {
	// Enqueue returns only after the message is durably accepted.
	Enqueue(ctx context.Context, body []byte) error
	// Receive returns up to max visible messages and hides them for the visibility timeout.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack removes the message permanently.
	Ack(ctx context.Context, msg Message) error
	// Nack reports a failed attempt and hands the message back to the queue's redelivery policy.
	Nack(ctx context.Context, msg Message) error
}

// Purger removes messages older than a retention horizon.
type Purger interface {
	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Config describes redelivery behaviour. MaxReceives of zero disables dead-letter overflow.
type Config struct {
	VisibilityTimeout time.Duration
	MaxReceives       int
	Backoff           BackoffStrategy
}

func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: defaultVisibilityTimeout,
		MaxReceives:       defaultMaxReceives,
		Backoff:           DefaultBackoffStrategy(),
	}
}

// WithDefaults fills unset fields. A negative MaxReceives is treated as unlimited.
func (c Config) WithDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.MaxReceives < 0 {
		c.MaxReceives = 0
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoffStrategy()
	}
	return c
}

// Exhausted reports whether a message received receiveCount times must overflow to the dead-letter queue.
func (c Config) Exhausted(receiveCount int) bool {
	return c.MaxReceives > 0 && receiveCount >= c.MaxReceives
}
