package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue"     validate:"required"`
	Blob      BlobConfig      `mapstructure:"blob"      validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"    validate:"required"`
	Retention RetentionConfig `mapstructure:"retention" validate:"required"`
}

// ServerConfig contains all HTTP server settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// QueueConfig contains the Redis dispatch queue settings.
type QueueConfig struct {
	Addr              string        `mapstructure:"addr"               validate:"required"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"                 validate:"gte=0"`
	Name              string        `mapstructure:"name"               validate:"required"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"required,gt=0"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"     validate:"required,gt=0"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"      validate:"required,gt=0"`
}

// BlobConfig contains the result object-store settings.
type BlobConfig struct {
	Endpoint  string `mapstructure:"endpoint"   validate:"required"`
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`
	Bucket    string `mapstructure:"bucket"     validate:"required"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// WorkerConfig contains the execution settings.
type WorkerConfig struct {
	Count             int           `mapstructure:"count"               validate:"required,gt=0"`
	MaxAttempts       int           `mapstructure:"max_attempts"        validate:"required,gt=0"`
	ProcessorTimeout  time.Duration `mapstructure:"processor_timeout"   validate:"required,gt=0"`
	EnqueueRetryLimit uint64        `mapstructure:"enqueue_retry_limit"`
}

// RetentionConfig contains TTL and sweep settings.
type RetentionConfig struct {
	JobTTL                   time.Duration `mapstructure:"job_ttl"                    validate:"required,gt=0"`
	IdempotencyTTL           time.Duration `mapstructure:"idempotency_ttl"            validate:"required,gt=0"`
	ResultURLTTL             time.Duration `mapstructure:"result_url_ttl"             validate:"required,gt=0"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"             validate:"required,gt=0"`
	IdempotencySweepInterval time.Duration `mapstructure:"idempotency_sweep_interval" validate:"required,gt=0"`
	SweepBatchSize           int           `mapstructure:"sweep_batch_size"           validate:"required,gt=0"`
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	// A live processor invocation must never outlast the message lease,
	// or the queue would redeliver work that is still running. The lease
	// also needs headroom over the execution bound: a redelivery only
	// arrives after the lease expires, and the claim it finds must
	// already be older than the execution bound so the takeover wins
	// instead of the message being discarded.
	if c.Worker.ProcessorTimeout+c.Queue.ReapInterval >= c.Queue.VisibilityTimeout {
		return fmt.Errorf(
			"worker.processor_timeout (%s) plus queue.reap_interval (%s) must be shorter than queue.visibility_timeout (%s)",
			c.Worker.ProcessorTimeout, c.Queue.ReapInterval, c.Queue.VisibilityTimeout,
		)
	}

	// The queue's delivery budget backstops the job-level attempt budget:
	// the claim path converts exhaustion first, the reaper only catches
	// messages whose workers died before claiming.
	if c.Queue.MaxDeliveries <= c.Worker.MaxAttempts {
		return fmt.Errorf(
			"queue.max_deliveries (%d) must exceed worker.max_attempts (%d)",
			c.Queue.MaxDeliveries, c.Worker.MaxAttempts,
		)
	}

	return nil
}
