package hookrelay

import (
	"net/http"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
)

const (
	defaultDeliveryTimeout     = 30 * time.Second
	defaultConsumerBatchSize   = 10
	defaultConsumerConcurrency = 10
	defaultConsumerInterval    = time.Second
	defaultReconcileBatchSize  = 10
	defaultReconcileMax        = 100
	defaultEventRetention      = 365 * 24 * time.Hour
	defaultRetentionBatchSize  = 500
	defaultRetentionInterval   = time.Hour
	defaultMaxBodyBytes        = 1 << 20
	defaultUserAgent           = "hookrelay/1.0"
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(metrics MetricsCollector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = metrics
	}
}

func WithDeliverer(deliverer Deliverer) CarrierOption {
	return func(c *Carrier) {
		c.deliverer = deliverer
	}
}

// WithCodec sets the instruction encoding shared by producers and consumers.
func WithCodec(codec queue.Codec) CarrierOption {
	return func(c *Carrier) {
		c.codec = codec
	}
}

func WithDeadLetterQueue(dlq queue.Queue) CarrierOption {
	return func(c *Carrier) {
		c.deadLetter = dlq
	}
}

// WithTransactionManager makes ingestion write the event and its instruction atomically.
func WithTransactionManager(manager trm.Manager) CarrierOption {
	return func(c *Carrier) {
		c.trManager = manager
	}
}

//
// HTTPDeliverer Options
//

type DelivererOption func(*HTTPDeliverer)

func WithDeliveryTimeout(timeout time.Duration) DelivererOption {
	return func(d *HTTPDeliverer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) DelivererOption {
	return func(d *HTTPDeliverer) {
		d.client = client
	}
}

func WithUserAgent(userAgent string) DelivererOption {
	return func(d *HTTPDeliverer) {
		d.userAgent = userAgent
	}
}

//
// DeliveryWorker Options
//

type DeliveryWorkerOption func(*deliveryWorkerOptions)

type deliveryWorkerOptions struct {
	now func() time.Time
}

func WithDeliveryWorkerClock(now func() time.Time) DeliveryWorkerOption {
	return func(o *deliveryWorkerOptions) {
		o.now = now
	}
}

//
// Consumer Options
//

type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	batchSize   int
	concurrency int
	interval    time.Duration
	codec       queue.Codec
}

func WithConsumerBatchSize(size int) ConsumerOption {
	return func(o *consumerOptions) {
		o.batchSize = size
	}
}

func WithConsumerConcurrency(concurrency int) ConsumerOption {
	return func(o *consumerOptions) {
		o.concurrency = concurrency
	}
}

func WithConsumerInterval(interval time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.interval = interval
	}
}

func WithConsumerCodec(codec queue.Codec) ConsumerOption {
	return func(o *consumerOptions) {
		o.codec = codec
	}
}

//
// Ingestor Options
//

type IngestorOption func(*ingestorOptions)

type ingestorOptions struct {
	codec     queue.Codec
	trManager trm.Manager
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

func WithIngestorCodec(codec queue.Codec) IngestorOption {
	return func(o *ingestorOptions) {
		o.codec = codec
	}
}

func WithIngestorTransactionManager(manager trm.Manager) IngestorOption {
	return func(o *ingestorOptions) {
		o.trManager = manager
	}
}

// WithRetention sets how long an event is kept after creation.
func WithRetention(retention time.Duration) IngestorOption {
	return func(o *ingestorOptions) {
		o.retention = retention
	}
}

func WithIngestorClock(now func() time.Time) IngestorOption {
	return func(o *ingestorOptions) {
		o.now = now
	}
}

func WithEventIDGenerator(newID func() string) IngestorOption {
	return func(o *ingestorOptions) {
		o.newID = newID
	}
}

//
// Reconciler Options
//

type ReconcilerOption func(*reconcilerOptions)

type reconcilerOptions struct {
	codec queue.Codec
}

func WithReconcilerCodec(codec queue.Codec) ReconcilerOption {
	return func(o *reconcilerOptions) {
		o.codec = codec
	}
}

//
// CleanupService Options
//

type CleanupServiceOption func(*cleanupServiceOptions)

type cleanupServiceOptions struct {
	batchSize      int
	queueRetention time.Duration
	queues         []queue.Purger
	now            func() time.Time
}

func WithRetentionBatchSize(size int) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.batchSize = size
	}
}

// WithQueueRetention purges messages older than retention from each queue.
func WithQueueRetention(retention time.Duration, queues ...queue.Purger) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.queueRetention = retention
		o.queues = append(o.queues, queues...)
	}
}

func WithRetentionClock(now func() time.Time) CleanupServiceOption {
	return func(o *cleanupServiceOptions) {
		o.now = now
	}
}

//
// Receiver Options
//

type ReceiverOption func(*receiverOptions)

type receiverOptions struct {
	maxSkew      time.Duration
	maxBodyBytes int64
	now          func() time.Time
	logger       *zap.Logger
}

func WithReceiverMaxSkew(maxSkew time.Duration) ReceiverOption {
	return func(o *receiverOptions) {
		o.maxSkew = maxSkew
	}
}

func WithReceiverMaxBodyBytes(n int64) ReceiverOption {
	return func(o *receiverOptions) {
		o.maxBodyBytes = n
	}
}

func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(o *receiverOptions) {
		o.now = now
	}
}

func WithReceiverLogger(logger *zap.Logger) ReceiverOption {
	return func(o *receiverOptions) {
		o.logger = logger
	}
}
