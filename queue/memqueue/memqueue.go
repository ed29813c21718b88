// Package memqueue is an in-process queue with visibility-timeout semantics,
// used for local runs and tests.
package memqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overtonx/hookrelay/queue"
)

type entry struct {
	id           string
	body         []byte
	receiveCount int
	visibleAt    time.Time
	enqueuedAt   time.Time
	receipt      string
}

type Option func(*MemQueue)

// WithDeadLetter sets the queue that receives messages exceeding MaxReceives.
func WithDeadLetter(dlq queue.Queue) Option {
	return func(q *MemQueue) {
		q.dlq = dlq
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *MemQueue) {
		q.now = now
	}
}

type MemQueue struct {
	mu       sync.Mutex
	cfg      queue.Config
	now      func() time.Time
	dlq      queue.Queue
	entries  []*entry
	receipts map[string]*entry
}

func New(cfg queue.Config, opts ...Option) *MemQueue {
	q := &MemQueue{
		cfg:      cfg.WithDefaults(),
		now:      time.Now,
		receipts: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemQueue) Enqueue(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &entry{
		id:         uuid.NewString(),
		body:       append([]byte(nil), body...),
		visibleAt:  now,
		enqueuedAt: now,
	})
	return nil
}

func (q *MemQueue) Receive(ctx context.Context, max int) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	now := q.now()

	q.mu.Lock()
	var (
		out      []queue.Message
		overflow []*entry
		kept     = q.entries[:0]
	)
	for _, e := range q.entries {
		if len(out) < max && !e.visibleAt.After(now) && q.dlq != nil && q.cfg.Exhausted(e.receiveCount) {
			delete(q.receipts, e.receipt)
			overflow = append(overflow, e)
			continue
		}
		kept = append(kept, e)
		if len(out) >= max || e.visibleAt.After(now) {
			continue
		}
		delete(q.receipts, e.receipt)
		e.receiveCount++
		e.receipt = uuid.NewString()
		e.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		q.receipts[e.receipt] = e
		out = append(out, queue.Message{
			ID:            e.id,
			Body:          append([]byte(nil), e.body...),
			ReceiptHandle: e.receipt,
			ReceiveCount:  e.receiveCount,
			EnqueuedAt:    e.enqueuedAt,
		})
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	q.mu.Unlock()

	for i, e := range overflow {
		if err := q.dlq.Enqueue(ctx, e.body); err != nil {
			q.restore(overflow[i:])
			return out, fmt.Errorf("failed to move message %s to dead-letter queue: %w", e.id, err)
		}
	}
	return out, nil
}

func (q *MemQueue) restore(entries []*entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entries...)
}

func (q *MemQueue) Ack(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.receipts[msg.ReceiptHandle]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, msg.ReceiptHandle)
	}
	delete(q.receipts, msg.ReceiptHandle)
	for i, candidate := range q.entries {
		if candidate == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemQueue) Nack(ctx context.Context, msg queue.Message) error {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.receipts[msg.ReceiptHandle]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, msg.ReceiptHandle)
	}
	delete(q.receipts, msg.ReceiptHandle)
	e.receipt = ""
	e.visibleAt = now.Add(q.cfg.Backoff.Delay(e.receiveCount))
	return nil
}

// PurgeOlderThan drops messages enqueued before the given time regardless of visibility.
func (q *MemQueue) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var purged int64
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.enqueuedAt.Before(before) {
			delete(q.receipts, e.receipt)
			purged++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return purged, nil
}

// Len returns the number of messages held, visible or not.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

var (
	_ queue.Queue  = (*MemQueue)(nil)
	_ queue.Purger = (*MemQueue)(nil)
)
