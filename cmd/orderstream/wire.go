package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/orderstream/pkg/orderstream/api"
	"github.com/randalmurphal/orderstream/pkg/orderstream/catalog"
	"github.com/randalmurphal/orderstream/pkg/orderstream/changestream"
	"github.com/randalmurphal/orderstream/pkg/orderstream/config"
	"github.com/randalmurphal/orderstream/pkg/orderstream/consumer"
	"github.com/randalmurphal/orderstream/pkg/orderstream/email"
	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
	"github.com/randalmurphal/orderstream/pkg/orderstream/eventstore"
	"github.com/randalmurphal/orderstream/pkg/orderstream/invoice"
	"github.com/randalmurphal/orderstream/pkg/orderstream/kafkabridge"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
	"github.com/randalmurphal/orderstream/pkg/orderstream/order"
	"github.com/randalmurphal/orderstream/pkg/orderstream/pubsub"
	"github.com/randalmurphal/orderstream/pkg/orderstream/push"
	"github.com/randalmurphal/orderstream/pkg/orderstream/queue"
)

// invoiceSource names the invoice projector's checkpoint and dead letters.
const invoiceSource = "invoice-events"

// app holds the wired components run() starts and stops.
type app struct {
	handler http.Handler
	topic   *pubsub.Topic
	worker  *queue.Worker
	reader  *changestream.Reader
	relay   *push.Relay
	tables  []eventstore.Table
	dlqs    []queue.DeadLetters
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func (a *app) runReaper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	eventstore.RunReaper(ctx, interval, logger, a.tables...)
}

func (a *app) runPurger(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	queue.RunPurger(ctx, interval, logger, a.dlqs...)
}

// build wires every component in dependency order: stores, queues, the
// order topic and its consumers, push, invoices, then the HTTP API.
func build(ctx context.Context, s config.Settings, logger *slog.Logger, tel observability.Telemetry) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	db, err := eventstore.OpenSQLite(s.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	events, invoices := db.Table("events"), db.Table("invoices")
	a.tables = []eventstore.Table{events, invoices}

	var rdb redis.UniversalClient
	if s.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	newDLQ := func(name string) queue.DeadLetters {
		if rdb != nil {
			return queue.NewRedisDeadLetters(rdb, name, s.QueueRetention)
		}
		return queue.NewMemoryDeadLetters(s.QueueRetention)
	}
	emailDLQ, subsDLQ, invoiceDLQ := newDLQ("email"), newDLQ("subscriptions"), newDLQ(invoiceSource)
	a.dlqs = []queue.DeadLetters{emailDLQ, subsDLQ, invoiceDLQ}

	qcfg := queue.Config{
		Name:        "email",
		MaxAttempts: s.QueueMaxAttempts,
		Visibility:  s.QueueVisibility,
		DeadLetters: emailDLQ,
		Logger:      logger,
		Telemetry:   tel,
	}
	var emailQueue queue.Queue
	if rdb != nil {
		emailQueue, err = queue.NewRedisQueue(rdb, qcfg)
	} else {
		emailQueue, err = queue.NewMemoryQueue(qcfg)
	}
	if err != nil {
		return nil, err
	}

	store, products, err := orderBackends(ctx, s, a, logger)
	if err != nil {
		return nil, err
	}

	a.topic = pubsub.NewTopic("orders", pubsub.TopicConfig{Logger: logger, Telemetry: tel})
	producer, err := order.NewProducer(order.ProducerConfig{
		Store:     store,
		Catalog:   products,
		Publisher: a.topic,
		Logger:    logger,
		Telemetry: tel,
	})
	if err != nil {
		return nil, err
	}
	if err := subscribeConsumers(s, a, events, emailQueue, subsDLQ, logger, tel); err != nil {
		return nil, err
	}

	var sender email.Sender
	if s.EmailFrom != "" {
		awsCfg, err := loadAWSConfig(ctx, s)
		if err != nil {
			return nil, err
		}
		if sender, err = email.NewSES(awsCfg, s.EmailFrom); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("email.from not set, order emails are kept in memory")
		sender = &email.Recorder{}
	}
	var deduper consumer.Deduper = consumer.NewMemoryDeduper()
	if rdb != nil {
		deduper = consumer.NewRedisDeduper(rdb, "")
	}
	notifier, err := consumer.NewEmailNotifier(consumer.EmailConfig{
		Sender:    sender,
		Deduper:   deduper,
		Logger:    logger,
		Telemetry: tel,
	})
	if err != nil {
		return nil, err
	}
	a.worker, err = queue.NewWorker(emailQueue, notifier, queue.WorkerConfig{
		Name:        "email",
		Concurrency: s.QueueWorkers,
		ReceiveWait: s.QueueReceiveWait,
		Logger:      logger,
		Telemetry:   tel,
	})
	if err != nil {
		return nil, err
	}

	var registry push.Registry = push.NewMemoryRegistry()
	instance := s.PushInstance
	if rdb != nil {
		registry = push.NewRedisRegistry(rdb, "")
		if instance == "" {
			instance = uuid.NewString()
		}
	}
	hub := push.NewHub(push.HubConfig{
		Instance:  instance,
		OnConnect: registry.Add,
		OnDisconnect: func(ctx context.Context, id string) {
			if err := registry.Remove(ctx, id); err != nil {
				logger.Warn("unregister connection", slog.String("channel_id", id), slog.String("error", err.Error()))
			}
		},
		Logger: logger,
	})
	var transport push.Transport = hub
	if rdb != nil {
		a.relay, err = push.NewRelay(push.RelayConfig{
			Client:   rdb,
			Registry: registry,
			Local:    hub,
			Instance: instance,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		transport = a.relay
	}
	dispatcher, err := push.NewDispatcher(push.DispatcherConfig{
		Registry:    registry,
		Transport:   transport,
		SendTimeout: s.PushSendTimeout,
		Logger:      logger,
		Telemetry:   tel,
	})
	if err != nil {
		return nil, err
	}

	signer, err := uploadSigner(s, logger)
	if err != nil {
		return nil, err
	}
	var objects invoice.Objects = invoice.NewMemoryObjects(signer)
	var notifications api.ObjectNotifications
	switch {
	case s.S3Bucket != "":
		awsCfg, err := loadAWSConfig(ctx, s)
		if err != nil {
			return nil, err
		}
		bucket, err := invoice.NewS3Objects(awsCfg, invoice.S3Config{Bucket: s.S3Bucket, Prefix: s.S3Prefix})
		if err != nil {
			return nil, err
		}
		objects, notifications = bucket, bucket
	case s.ObjectsDir != "":
		if objects, err = invoice.NewDirObjects(s.ObjectsDir, signer); err != nil {
			return nil, err
		}
	}
	importer, err := invoice.NewImporter(invoice.ImporterConfig{
		Table:          invoices,
		Objects:        objects,
		Notifier:       dispatcher,
		Endpoint:       pushEndpoint(s.UploadBaseURL),
		TransactionTTL: s.TransactionTTL,
		Logger:         logger,
		Telemetry:      tel,
	})
	if err != nil {
		return nil, err
	}
	hub.Handle("getImportUrl", importer.HandleGetImportURL)

	projector, err := changestream.NewProjector(changestream.ProjectorConfig{
		Projection:     changestream.InvoiceProjection{Events: events, Logger: logger},
		Notifier:       dispatcher,
		DeadLetters:    invoiceDLQ,
		Source:         invoiceSource,
		MaxRetryRounds: s.ProjectorMaxRounds,
		Logger:         logger,
		Telemetry:      tel,
	})
	if err != nil {
		return nil, err
	}
	a.reader, err = changestream.NewReader(changestream.ReaderConfig{
		Table:        invoices,
		Name:         invoiceSource,
		BatchSize:    s.ProjectorBatchSize,
		PollInterval: s.ProjectorPollInterval,
		Logger:       logger,
	}, projector)
	if err != nil {
		return nil, err
	}

	a.handler, err = api.NewRouter(api.Config{
		Orders: producer,
		Events: events,
		DeadLetters: map[string]queue.DeadLetters{
			"email":         emailDLQ,
			"subscriptions": subsDLQ,
			invoiceSource:   invoiceDLQ,
		},
		Queues:        map[string]queue.Queue{"email": emailQueue},
		Products:      products,
		Objects:       objects,
		Signer:        signer,
		Importer:      importer,
		Notifications: notifications,
		Push:          hub,
		Health: func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		AllowedOrigins: s.CORSOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// orderBackends returns the Postgres order store and catalog when a DSN is
// configured, otherwise in-memory ones.
func orderBackends(ctx context.Context, s config.Settings, a *app, logger *slog.Logger) (order.Store, catalog.Store, error) {
	if s.PostgresDSN == "" {
		logger.Warn("postgres.dsn not set, orders and catalog are kept in memory")
		return order.NewMemoryStore(), catalog.NewMemory(), nil
	}
	pool, err := pgxpool.New(ctx, s.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	store := order.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, nil, err
	}
	products := catalog.NewPostgres(pool)
	if err := products.Migrate(ctx); err != nil {
		return nil, nil, err
	}
	return store, products, nil
}

// subscribeConsumers attaches the order topic's subscribers. Each one
// retries independently and dead-letters to subsDLQ.
func subscribeConsumers(s config.Settings, a *app, events eventstore.Table, emailQueue queue.Queue, subsDLQ queue.DeadLetters, logger *slog.Logger, tel observability.Telemetry) error {
	recorder, err := consumer.NewEventRecorder(consumer.RecorderConfig{
		Table:     events,
		TTL:       s.EventTTL,
		Logger:    logger,
		Telemetry: tel,
	})
	if err != nil {
		return err
	}
	billing, err := consumer.NewBilling(consumer.TableLedger{Table: events}, logger)
	if err != nil {
		return err
	}

	type sub struct {
		name     string
		consumer pubsub.Consumer
		filter   *pubsub.Filter
	}
	subs := []sub{
		{"event-recorder", recorder, nil},
		{"billing", billing, pubsub.EventTypes(event.OrderCreated)},
		{"email", queue.NewSink(emailQueue), pubsub.EventTypes(event.OrderCreated)},
	}
	if len(s.KafkaBrokers) > 0 {
		w, err := kafkabridge.NewWriter(strings.Join(s.KafkaBrokers, ","), s.KafkaTopic)
		if err != nil {
			return err
		}
		sink := kafkabridge.NewSink(w, 0, logger)
		a.closers = append(a.closers, sink.Close)
		subs = append(subs, sub{"kafka", sink, nil})
	}

	dl := pubsub.WithDeadLetter(queue.SubscriptionDeadLetters{Store: subsDLQ})
	for _, sb := range subs {
		if _, err := a.topic.Subscribe(sb.name, sb.consumer, sb.filter, dl); err != nil {
			return fmt.Errorf("subscribe %s: %w", sb.name, err)
		}
	}
	return nil
}

// loadAWSConfig resolves credentials from the default chain, pinning the
// region when aws.region is set.
func loadAWSConfig(ctx context.Context, s config.Settings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(s.AWSRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// uploadSigner signs upload URLs with the configured secret, or a random
// one that lives as long as the process.
func uploadSigner(s config.Settings, logger *slog.Logger) (invoice.Signer, error) {
	secret := []byte(s.UploadSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return invoice.Signer{}, fmt.Errorf("generate upload secret: %w", err)
		}
		logger.Warn("invoices.upload_secret not set, upload urls die with the process")
	}
	return invoice.Signer{Secret: secret, BaseURL: strings.TrimSuffix(s.UploadBaseURL, "/")}, nil
}

// pushEndpoint derives the WebSocket URL served next to the upload URLs.
func pushEndpoint(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}
