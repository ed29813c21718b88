package hookrelay

import (
	"errors"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/storage"
)

// ErrNoDeadLetterQueue is returned by Carrier.Reconciler when no dead-letter queue was configured.
var ErrNoDeadLetterQueue = errors.New("no dead-letter queue configured")

// Carrier holds the shared dependencies of the pipeline and builds its
// services from them, so every component agrees on codec, logger and metrics.
type Carrier struct {
	store      storage.Store
	queue      queue.Queue
	deadLetter queue.Queue
	codec      queue.Codec
	deliverer  Deliverer
	trManager  trm.Manager
	metrics    MetricsCollector
	logger     *zap.Logger
}

// NewCarrier creates a new Carrier around the given store and dispatch queue.
func NewCarrier(store storage.Store, q queue.Queue, opts ...CarrierOption) (*Carrier, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if q == nil {
		return nil, errors.New("dispatch queue is required")
	}

	c := &Carrier{
		store:   store,
		queue:   q,
		codec:   queue.JSONCodec{},
		logger:  zap.NewNop(),
		metrics: NewNopMetricsCollector(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.deliverer == nil {
		c.deliverer = NewHTTPDeliverer()
	}

	return c, nil
}

func (c *Carrier) Store() storage.Store {
	return c.store
}

func (c *Carrier) Queue() queue.Queue {
	return c.queue
}

func (c *Carrier) DeliveryWorker(opts ...DeliveryWorkerOption) *DeliveryWorker {
	return NewDeliveryWorker(c.store, c.store, c.deliverer, c.logger.Named("delivery"), c.metrics, opts...)
}

// Consumer returns a Consumer that feeds the dispatch queue into a DeliveryWorker.
func (c *Carrier) Consumer(opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithConsumerCodec(c.codec)}, opts...)
	return NewConsumer(c.queue, c.DeliveryWorker(), c.logger.Named("consumer"), c.metrics, opts...)
}

func (c *Carrier) Ingestor(opts ...IngestorOption) *Ingestor {
	opts = append([]IngestorOption{
		WithIngestorCodec(c.codec),
		WithIngestorTransactionManager(c.trManager),
	}, opts...)
	return NewIngestor(c.store, c.store, c.queue, c.logger.Named("ingestor"), c.metrics, opts...)
}

func (c *Carrier) Reconciler(opts ...ReconcilerOption) (*Reconciler, error) {
	if c.deadLetter == nil {
		return nil, ErrNoDeadLetterQueue
	}
	opts = append([]ReconcilerOption{WithReconcilerCodec(c.codec)}, opts...)
	return NewReconciler(c.deadLetter, c.queue, c.logger.Named("reconciler"), c.metrics, opts...), nil
}

// CleanupService returns the retention worker. Queues that support purging
// are included with the default retention unless opts override it.
func (c *Carrier) CleanupService(opts ...CleanupServiceOption) *CleanupService {
	var purgers []queue.Purger
	for _, q := range []queue.Queue{c.queue, c.deadLetter} {
		if p, ok := q.(queue.Purger); ok {
			purgers = append(purgers, p)
		}
	}
	opts = append([]CleanupServiceOption{WithQueueRetention(defaultEventRetention, purgers...)}, opts...)
	return NewCleanupService(c.store, c.logger.Named("retention"), c.metrics, opts...)
}
