package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay"
	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/queue/kafkaqueue"
	"github.com/overtonx/hookrelay/queue/sqlqueue"
	"github.com/overtonx/hookrelay/storage"
	"github.com/overtonx/hookrelay/storage/sqlstore"
)

type Globals struct {
	DSN       string `help:"MySQL DSN." env:"HOOKRELAY_DSN" default:"root:password@tcp(localhost:3306)/hookrelay?parseTime=true"`
	LogFormat string `help:"Log format." env:"HOOKRELAY_LOG_FORMAT" enum:"json,console" default:"json"`
	Metrics   bool   `help:"Record OpenTelemetry metrics through the global meter provider." env:"HOOKRELAY_METRICS"`

	Queue           string        `help:"Dispatch queue backend." env:"HOOKRELAY_QUEUE" enum:"sql,kafka" default:"sql"`
	QueueName       string        `help:"Dispatch queue name or Kafka topic." env:"HOOKRELAY_QUEUE_NAME" default:"hookrelay-dispatch"`
	DeadLetterName  string        `help:"Dead-letter queue name or Kafka topic." env:"HOOKRELAY_DEAD_LETTER_NAME" default:"hookrelay-dispatch-dlq"`
	MaxReceives     int           `help:"Receives before an instruction is dead-lettered." env:"HOOKRELAY_MAX_RECEIVES" default:"5"`
	Visibility      time.Duration `help:"Visibility timeout of a received instruction." env:"HOOKRELAY_VISIBILITY_TIMEOUT" default:"60s"`
	KafkaBrokers    string        `help:"Kafka bootstrap servers." env:"HOOKRELAY_KAFKA_BROKERS" default:"localhost:9092"`
	KafkaGroup      string        `help:"Kafka consumer group." env:"HOOKRELAY_KAFKA_GROUP" default:"hookrelay"`
	DeliveryTimeout time.Duration `help:"Timeout of one outbound delivery." env:"HOOKRELAY_DELIVERY_TIMEOUT" default:"30s"`
}

type CLI struct {
	Globals

	Migrate   MigrateCmd   `cmd:"" help:"Create the MySQL tables."`
	Worker    WorkerCmd    `cmd:"" help:"Run the delivery workers until interrupted."`
	Reconcile ReconcileCmd `cmd:"" help:"Move dead-lettered instructions back onto the dispatch queue."`
	Ingest    IngestCmd    `cmd:"" help:"Accept a payload for the tenant owning an API key."`
	Tenant    TenantCmd    `cmd:"" help:"Create or replace a tenant."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("hookrelay"),
		kong.Description("Signed webhook delivery with retries and a dead-letter queue."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type runtime struct {
	store   *sqlstore.SQLStore
	carrier *hookrelay.Carrier
	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func (g *Globals) queueConfig() queue.Config {
	return queue.Config{VisibilityTimeout: g.Visibility, MaxReceives: g.MaxReceives}
}

// build opens the store and the configured queue backend and wires them into a Carrier.
func (g *Globals) build(ctx context.Context, logger *zap.Logger) (*runtime, error) {
	db, err := openDB(ctx, g.DSN)
	if err != nil {
		return nil, err
	}
	rt := &runtime{closers: []func() error{db.Close}}
	rt.store = sqlstore.NewSQLStore(db, logger.Named("store"))

	opts := []hookrelay.CarrierOption{
		hookrelay.WithLogger(logger),
		hookrelay.WithDeliverer(hookrelay.NewHTTPDeliverer(hookrelay.WithDeliveryTimeout(g.DeliveryTimeout))),
	}
	if g.Metrics {
		opts = append(opts, hookrelay.WithMetrics(hookrelay.NewOpenTelemetryMetricsCollector()))
	}

	var live queue.Queue
	switch g.Queue {
	case "kafka":
		dispatch, err := kafkaqueue.New(logger.Named("kafka"), g.QueueName,
			kafkaqueue.WithBootstrapServers(g.KafkaBrokers),
			kafkaqueue.WithGroupID(g.KafkaGroup),
			kafkaqueue.WithDeadLetterTopic(g.DeadLetterName),
			kafkaqueue.WithConfig(g.queueConfig()),
		)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, dispatch.Close)

		deadLetter, err := kafkaqueue.New(logger.Named("kafka"), g.DeadLetterName,
			kafkaqueue.WithBootstrapServers(g.KafkaBrokers),
			kafkaqueue.WithGroupID(g.KafkaGroup+"-reconciler"),
			kafkaqueue.WithConfig(queue.Config{MaxReceives: -1}),
		)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, deadLetter.Close)

		live = dispatch
		// The event row and the Kafka record cannot share a transaction.
		opts = append(opts, hookrelay.WithCodec(queue.ProtoCodec{}), hookrelay.WithDeadLetterQueue(deadLetter))
	default:
		dispatch := sqlqueue.New(db, g.QueueName, g.queueConfig(),
			sqlqueue.WithDeadLetter(g.DeadLetterName),
			sqlqueue.WithLogger(logger.Named("queue")),
		)
		live = dispatch
		opts = append(opts,
			hookrelay.WithDeadLetterQueue(dispatch.DeadLetterQueue()),
			hookrelay.WithTransactionManager(manager.Must(trmsql.NewDefaultFactory(db))),
		)
	}

	rt.carrier, err = hookrelay.NewCarrier(rt.store, live, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, g *Globals, logger *zap.Logger) error {
	db, err := openDB(ctx, g.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqlstore.NewSQLStore(db, logger).EnsureTables(ctx); err != nil {
		return err
	}
	if err := sqlqueue.New(db, g.QueueName, g.queueConfig()).EnsureTable(ctx); err != nil {
		return err
	}
	logger.Info("Tables are ready")
	return nil
}

type WorkerCmd struct {
	Consumers         int           `help:"Number of consumer workers." env:"HOOKRELAY_CONSUMERS" default:"2"`
	BatchSize         int           `help:"Instructions received per poll." env:"HOOKRELAY_BATCH_SIZE" default:"10"`
	Concurrency       int           `help:"Concurrent deliveries per consumer." env:"HOOKRELAY_CONCURRENCY" default:"10"`
	PollInterval      time.Duration `help:"Interval between polls of an idle queue." env:"HOOKRELAY_POLL_INTERVAL" default:"1s"`
	RetentionInterval time.Duration `help:"Interval of the retention worker; 0 disables it." env:"HOOKRELAY_RETENTION_INTERVAL" default:"1h"`
}

func (c *WorkerCmd) Run(ctx context.Context, g *Globals, logger *zap.Logger) error {
	rt, err := g.build(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	consumer := rt.carrier.Consumer(
		hookrelay.WithConsumerBatchSize(c.BatchSize),
		hookrelay.WithConsumerConcurrency(c.Concurrency),
		hookrelay.WithConsumerInterval(c.PollInterval),
	)
	var workers []hookrelay.Worker
	for i := 0; i < max(c.Consumers, 1); i++ {
		workers = append(workers, consumer.Worker(fmt.Sprintf("consumer-%d", i)))
	}
	if c.RetentionInterval > 0 {
		workers = append(workers, rt.carrier.CleanupService().Worker(c.RetentionInterval))
	}

	dispatcher := hookrelay.NewDispatcher(logger, workers...)
	go dispatcher.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutdown signal received. Stopping workers...")
	dispatcher.Stop()
	logger.Info("Workers stopped")
	return nil
}

type ReconcileCmd struct {
	BatchSize   int `help:"Dead-lettered instructions received per batch." default:"10"`
	MaxMessages int `help:"Maximum instructions handled in this run." default:"100"`
}

func (c *ReconcileCmd) Run(ctx context.Context, g *Globals, logger *zap.Logger) error {
	rt, err := g.build(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	reconciler, err := rt.carrier.Reconciler()
	if err != nil {
		return err
	}
	result, err := reconciler.Reconcile(ctx, hookrelay.ReconcileRequest{BatchSize: c.BatchSize, MaxMessages: c.MaxMessages})
	if encodeErr := json.NewEncoder(os.Stdout).Encode(result); encodeErr != nil && err == nil {
		err = encodeErr
	}
	return err
}

type IngestCmd struct {
	APIKey  string `help:"API key of the submitting tenant." env:"HOOKRELAY_API_KEY" required:""`
	Payload string `arg:"" optional:"" help:"JSON object to deliver, or - to read it from stdin." default:"-"`
}

func (c *IngestCmd) Run(ctx context.Context, g *Globals, logger *zap.Logger) error {
	payload := []byte(c.Payload)
	if c.Payload == "-" {
		var err error
		if payload, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	}

	rt, err := g.build(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.carrier.Ingestor().IngestForCredential(ctx, c.APIKey, payload)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(result)
}

type TenantCmd struct {
	ID        string `arg:"" help:"Tenant id."`
	TargetURL string `help:"Endpoint receiving the tenant's webhooks." required:""`
	Secret    string `help:"Signing secret." env:"HOOKRELAY_SIGNING_SECRET" required:""`
	APIKey    string `help:"API key used to submit events."`
	Inactive  bool   `help:"Reject new submissions for this tenant."`
}

func (c *TenantCmd) Run(ctx context.Context, g *Globals, logger *zap.Logger) error {
	db, err := openDB(ctx, g.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	err = sqlstore.NewSQLStore(db, logger).PutTenant(ctx, storage.Tenant{
		TenantID:      c.ID,
		APIKey:        c.APIKey,
		TargetURL:     c.TargetURL,
		SigningSecret: c.Secret,
		Active:        !c.Inactive,
	})
	if err != nil {
		return err
	}
	logger.Info("Tenant saved", zap.String("tenant_id", c.ID), zap.Bool("active", !c.Inactive))
	return nil
}
