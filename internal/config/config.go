// Package config defines the global configuration structure for the voicegate
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles: OS environment first,
// then an optional dotenv file. Any missing required value or invalid format
// fails startup immediately.
package config

import (
	"time"

	"voicegate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"voicegate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Billing   BillingConfig
	Quota     QuotaConfig
	Reconcile ReconcileConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// RedisConfig holds the context-cache connection settings. The cache is
// best-effort: connection failures at startup are retried, and a missing
// cache at runtime degrades to direct store reads.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"10s"`
	RetryAttempts  int           `envconfig:"REDIS_RETRY_ATTEMPTS" default:"3"`
	RetryInterval  time.Duration `envconfig:"REDIS_RETRY_INTERVAL" default:"2s"`
	ContextTTL     time.Duration `envconfig:"CACHE_CONTEXT_TTL" default:"30s"`
}

// BillingConfig holds payment provider credentials and state machine timers.
type BillingConfig struct {
	ProviderSecretKey    SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSigningSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	GraceWindow          time.Duration `envconfig:"BILLING_GRACE_WINDOW" default:"72h"`

	// DeviceKeySalt keys the hardware-identifier hash. Rotating it re-keys
	// every device, so it is effectively permanent once set.
	DeviceKeySalt SecretString `envconfig:"DEVICE_KEY_SALT" validate:"required,min=16"`
}

// QuotaConfig holds quota checker retry tuning.
type QuotaConfig struct {
	MaxRetries   int           `envconfig:"QUOTA_MAX_RETRIES" default:"3"`
	RetryMinWait time.Duration `envconfig:"QUOTA_RETRY_MIN_WAIT" default:"25ms"`
	RetryMaxWait time.Duration `envconfig:"QUOTA_RETRY_MAX_WAIT" default:"250ms"`
}

// ReconcileConfig holds reconciler scheduling parameters.
type ReconcileConfig struct {
	Interval       time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15m"`
	StaleAfter     time.Duration `envconfig:"RECONCILE_STALE_AFTER" default:"6h"`
	ScanBatchSize  int           `envconfig:"RECONCILE_SCAN_BATCH" default:"100"`
	MaxConcurrency int           `envconfig:"RECONCILE_CONCURRENCY" default:"8"`
}

// AWSConfig holds the queue used for on-demand resync requests.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	ResyncQueueURL string `envconfig:"SQS_RESYNC_QUEUE" validate:"omitempty,url"`

	// EndpointURL supports LocalStack in development; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
