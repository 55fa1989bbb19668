package config

import (
	"errors"
	"fmt"
	"time"
)

// Settings is the typed process configuration. Every component receives the
// section it needs through its constructor.
type Settings struct {
	HTTPAddr string

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string

	// SQLitePath backs the events and invoices tables. ":memory:" is allowed.
	SQLitePath string

	// RedisAddr selects Redis-backed queue, dead letters and registry.
	// Empty selects the in-memory implementations.
	RedisAddr string

	// PostgresDSN selects the Postgres order store and catalog.
	// Empty selects the in-memory implementations.
	PostgresDSN string

	KafkaBrokers []string
	KafkaTopic   string

	QueueMaxAttempts int
	QueueRetention   time.Duration
	QueueVisibility  time.Duration
	QueueReceiveWait time.Duration
	QueueWorkers     int

	ProjectorBatchSize    int
	ProjectorMaxRounds    int
	ProjectorPollInterval time.Duration

	PushSendTimeout time.Duration

	// PushInstance names this process in the connection registry. Empty
	// generates one at startup.
	PushInstance string

	EventTTL       time.Duration
	TransactionTTL time.Duration

	// ObjectsDir stores uploaded invoice files. Empty keeps them in memory.
	ObjectsDir string

	// S3Bucket stores uploaded invoice files in S3 and takes precedence
	// over ObjectsDir. Uploads go straight to the bucket; its ObjectCreated
	// notifications are posted to /imports/notifications.
	S3Bucket string
	S3Prefix string

	// UploadBaseURL prefixes signed upload URLs; uploads go to
	// <UploadBaseURL>/imports/<transactionId>.
	UploadBaseURL string

	// UploadSecret signs upload URLs. Empty generates one per process.
	UploadSecret string

	// AWSRegion overrides the region of the default AWS credential chain.
	AWSRegion string

	// EmailFrom enables the SES sender. Empty keeps emails in memory.
	EmailFrom string

	LogLevel string
}

// DefaultSettings holds the production defaults
// (3 receives before dead-lettering, 10 day DLQ retention, batches of 5
// with 3 retry rounds, 5 minute order event TTL, 2 minute upload window).
var DefaultSettings = Settings{
	HTTPAddr:              ":8080",
	SQLitePath:            "orderstream.db",
	KafkaTopic:            "order-events",
	QueueMaxAttempts:      3,
	QueueRetention:        10 * 24 * time.Hour,
	QueueVisibility:       30 * time.Second,
	QueueReceiveWait:      5 * time.Second,
	QueueWorkers:          2,
	ProjectorBatchSize:    5,
	ProjectorMaxRounds:    3,
	ProjectorPollInterval: time.Second,
	PushSendTimeout:       5 * time.Second,
	EventTTL:              5 * time.Minute,
	TransactionTTL:        2 * time.Minute,
	S3Prefix:              "imports/",
	UploadBaseURL:         "http://localhost:8080",
	LogLevel:              "info",
}

// Settings builds the typed settings from c, falling back to DefaultSettings.
func (c Config) Settings() Settings {
	d := DefaultSettings
	return Settings{
		HTTPAddr:              c.String("http.addr", d.HTTPAddr),
		CORSOrigins:           c.StringSlice("http.cors_origins", d.CORSOrigins),
		SQLitePath:            c.String("sqlite.path", d.SQLitePath),
		RedisAddr:             c.String("redis.addr", d.RedisAddr),
		PostgresDSN:           c.String("postgres.dsn", d.PostgresDSN),
		KafkaBrokers:          c.StringSlice("kafka.brokers", d.KafkaBrokers),
		KafkaTopic:            c.String("kafka.topic", d.KafkaTopic),
		QueueMaxAttempts:      c.Int("queue.max_attempts", d.QueueMaxAttempts),
		QueueRetention:        c.Duration("queue.retention", d.QueueRetention),
		QueueVisibility:       c.Duration("queue.visibility", d.QueueVisibility),
		QueueReceiveWait:      c.Duration("queue.receive_wait", d.QueueReceiveWait),
		QueueWorkers:          c.Int("queue.workers", d.QueueWorkers),
		ProjectorBatchSize:    c.Int("projector.batch_size", d.ProjectorBatchSize),
		ProjectorMaxRounds:    c.Int("projector.max_rounds", d.ProjectorMaxRounds),
		ProjectorPollInterval: c.Duration("projector.poll_interval", d.ProjectorPollInterval),
		PushSendTimeout:       c.Duration("push.send_timeout", d.PushSendTimeout),
		EventTTL:              c.Duration("events.ttl", d.EventTTL),
		TransactionTTL:        c.Duration("invoices.transaction_ttl", d.TransactionTTL),
		ObjectsDir:            c.String("invoices.objects_dir", d.ObjectsDir),
		UploadBaseURL:         c.String("invoices.upload_base_url", d.UploadBaseURL),
		UploadSecret:          c.String("invoices.upload_secret", d.UploadSecret),
		PushInstance:          c.String("push.instance", d.PushInstance),
		S3Bucket:              c.String("invoices.s3_bucket", d.S3Bucket),
		S3Prefix:              c.String("invoices.s3_prefix", d.S3Prefix),
		AWSRegion:             c.String("aws.region", d.AWSRegion),
		EmailFrom:             c.String("email.from", d.EmailFrom),
		LogLevel:              c.String("log.level", d.LogLevel),
	}
}

// Validate reports every setting that would make the pipeline unable to
// honour its retry and timeout bounds.
func (s Settings) Validate() error {
	var errs []error
	if s.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite.path is required"))
	}
	if s.QueueMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be >= 1, got %d", s.QueueMaxAttempts))
	}
	if s.QueueReceiveWait <= 0 {
		errs = append(errs, errors.New("queue.receive_wait must be positive"))
	}
	if s.QueueVisibility <= 0 {
		errs = append(errs, errors.New("queue.visibility must be positive"))
	}
	if s.QueueWorkers < 1 {
		errs = append(errs, fmt.Errorf("queue.workers must be >= 1, got %d", s.QueueWorkers))
	}
	if s.ProjectorBatchSize < 1 {
		errs = append(errs, fmt.Errorf("projector.batch_size must be >= 1, got %d", s.ProjectorBatchSize))
	}
	if s.ProjectorMaxRounds < 1 {
		errs = append(errs, fmt.Errorf("projector.max_rounds must be >= 1, got %d", s.ProjectorMaxRounds))
	} else if s.ProjectorMaxRounds < 30 && s.ProjectorBatchSize > 1<<s.ProjectorMaxRounds {
		errs = append(errs, fmt.Errorf("projector.batch_size %d exceeds 2^projector.max_rounds (%d)",
			s.ProjectorBatchSize, 1<<s.ProjectorMaxRounds))
	}
	if s.PushSendTimeout <= 0 {
		errs = append(errs, errors.New("push.send_timeout must be positive"))
	}
	if len(s.KafkaBrokers) > 0 && s.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	return errors.Join(errs...)
}
