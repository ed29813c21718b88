// Package sqlqueue implements queue.Queue on a MySQL table. All named queues,
// dead-letter queues included, share the dispatch_messages table.
package sqlqueue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
)

const tableMessages = "dispatch_messages"

// SQL queries
const (
	enqueueQuery = `
		INSERT INTO %s (queue, body, receive_count, visible_at, enqueued_at)
		VALUES (?, ?, 0, ?, ?)`

	selectVisibleQuery = `SELECT id, body, receive_count, enqueued_at FROM %s WHERE queue = ? AND visible_at <= ? ORDER BY visible_at, id LIMIT ? FOR UPDATE SKIP LOCKED`

	markReceivedQuery = `UPDATE %s SET receive_count = receive_count + 1, visible_at = ?, receipt = ? WHERE id = ?`

	moveToQueueQuery = `UPDATE %s SET queue = ?, receive_count = 0, visible_at = ?, receipt = NULL WHERE id = ?`

	ackQuery = `DELETE FROM %s WHERE queue = ? AND receipt = ?`

	nackQuery = `UPDATE %s SET visible_at = ?, receipt = NULL WHERE queue = ? AND receipt = ?`

	purgeQuery = `DELETE FROM %s WHERE queue = ? AND enqueued_at < ?`
)

type Option func(*SQLQueue)

// WithDeadLetter names the queue that receives messages exceeding MaxReceives.
func WithDeadLetter(name string) Option {
	return func(q *SQLQueue) {
		q.deadLetter = name
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(q *SQLQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *SQLQueue) {
		q.now = now
	}
}

type SQLQueue struct {
	db         *sql.DB
	getter     *trmsql.CtxGetter
	trManager  *manager.Manager
	name       string
	deadLetter string
	cfg        queue.Config
	logger     *zap.Logger
	now        func() time.Time
}

var (
	_ queue.Queue  = (*SQLQueue)(nil)
	_ queue.Purger = (*SQLQueue)(nil)
)

func New(db *sql.DB, name string, cfg queue.Config, opts ...Option) *SQLQueue {
	q := &SQLQueue{
		db:        db,
		getter:    trmsql.DefaultCtxGetter,
		trManager: manager.Must(trmsql.NewDefaultFactory(db)),
		name:      name,
		cfg:       cfg.WithDefaults(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// DeadLetterQueue returns a handle on the dead-letter queue with unlimited receives.
func (q *SQLQueue) DeadLetterQueue() *SQLQueue {
	if q.deadLetter == "" {
		return nil
	}
	cfg := q.cfg
	cfg.MaxReceives = 0
	return &SQLQueue{
		db:        q.db,
		getter:    q.getter,
		trManager: q.trManager,
		name:      q.deadLetter,
		cfg:       cfg,
		logger:    q.logger,
		now:       q.now,
	}
}

func (q *SQLQueue) Name() string {
	return q.name
}

func (q *SQLQueue) conn(ctx context.Context) trmsql.Tr {
	return q.getter.DefaultTrOrDB(ctx, q.db)
}

// Enqueue joins the transaction carried by ctx, if any.
func (q *SQLQueue) Enqueue(ctx context.Context, body []byte) error {
	now := q.now().UTC()
	query := fmt.Sprintf(enqueueQuery, tableMessages)
	if _, err := q.conn(ctx).ExecContext(ctx, query, q.name, body, now, now); err != nil {
		return fmt.Errorf("failed to enqueue message on %s: %w", q.name, err)
	}
	return nil
}

type row struct {
	id           int64
	body         []byte
	receiveCount int
	enqueuedAt   time.Time
}

func (q *SQLQueue) Receive(ctx context.Context, max int) ([]queue.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	var out []queue.Message
	err := q.trManager.Do(ctx, func(ctx context.Context) error {
		out = out[:0]
		now := q.now().UTC()

		rows, err := q.lockVisible(ctx, now, max)
		if err != nil {
			return err
		}

		for _, r := range rows {
			if q.deadLetter != "" && q.cfg.Exhausted(r.receiveCount) {
				if err := q.moveToDeadLetter(ctx, r, now); err != nil {
					return err
				}
				continue
			}

			receipt := uuid.NewString()
			query := fmt.Sprintf(markReceivedQuery, tableMessages)
			if _, err := q.conn(ctx).ExecContext(ctx, query, now.Add(q.cfg.VisibilityTimeout), receipt, r.id); err != nil {
				return fmt.Errorf("failed to mark message %d received: %w", r.id, err)
			}
			out = append(out, queue.Message{
				ID:            strconv.FormatInt(r.id, 10),
				Body:          r.body,
				ReceiptHandle: receipt,
				ReceiveCount:  r.receiveCount + 1,
				EnqueuedAt:    r.enqueuedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *SQLQueue) lockVisible(ctx context.Context, now time.Time, max int) ([]row, error) {
	query := fmt.Sprintf(selectVisibleQuery, tableMessages)
	rows, err := q.conn(ctx).QueryContext(ctx, query, q.name, now, max)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages from %s: %w", q.name, err)
	}
	defer rows.Close()

	var result []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body, &r.receiveCount, &r.enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return result, nil
}

func (q *SQLQueue) moveToDeadLetter(ctx context.Context, r row, now time.Time) error {
	query := fmt.Sprintf(moveToQueueQuery, tableMessages)
	if _, err := q.conn(ctx).ExecContext(ctx, query, q.deadLetter, now, r.id); err != nil {
		return fmt.Errorf("failed to move message %d to %s: %w", r.id, q.deadLetter, err)
	}
	q.logger.Warn("Message exceeded max receives, moved to dead-letter queue",
		zap.Int64("message_id", r.id),
		zap.Int("receive_count", r.receiveCount),
		zap.String("queue", q.name),
		zap.String("dead_letter_queue", q.deadLetter),
	)
	return nil
}

func (q *SQLQueue) Ack(ctx context.Context, msg queue.Message) error {
	query := fmt.Sprintf(ackQuery, tableMessages)
	res, err := q.conn(ctx).ExecContext(ctx, query, q.name, msg.ReceiptHandle)
	if err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return expectOneRow(res, msg)
}

func (q *SQLQueue) Nack(ctx context.Context, msg queue.Message) error {
	visibleAt := q.now().UTC().Add(q.cfg.Backoff.Delay(msg.ReceiveCount))
	query := fmt.Sprintf(nackQuery, tableMessages)
	res, err := q.conn(ctx).ExecContext(ctx, query, visibleAt, q.name, msg.ReceiptHandle)
	if err != nil {
		return fmt.Errorf("failed to nack message %s: %w", msg.ID, err)
	}
	return expectOneRow(res, msg)
}

func expectOneRow(res sql.Result, msg queue.Message) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %s", queue.ErrUnknownReceipt, msg.ID)
	}
	return nil
}

func (q *SQLQueue) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := fmt.Sprintf(purgeQuery, tableMessages)
	res, err := q.conn(ctx).ExecContext(ctx, query, q.name, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages from %s: %w", q.name, err)
	}
	return res.RowsAffected()
}

// EnsureTable creates the shared message table if it does not exist.
func (q *SQLQueue) EnsureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS dispatch_messages (
			id            BIGINT AUTO_INCREMENT PRIMARY KEY,
			queue         VARCHAR(128) NOT NULL,
			body          BLOB         NOT NULL,
			receive_count INT          NOT NULL DEFAULT 0,
			visible_at    TIMESTAMP(6) NOT NULL,
			receipt       VARCHAR(64)  NULL,
			enqueued_at   TIMESTAMP(6) NOT NULL,
			UNIQUE INDEX idx_receipt (receipt),
			INDEX idx_queue_visible (queue, visible_at, id),
			INDEX idx_queue_enqueued (queue, enqueued_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := q.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create dispatch_messages table: %w", err)
	}
	return nil
}
