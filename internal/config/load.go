package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables (prefix JOBENGINE_, underscores for nesting,
// e.g. JOBENGINE_SERVER_PORT) take precedence over file values, which take
// precedence over defaults. Returns a validated Config or an error.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults carry the load.
	}

	v.SetEnvPrefix("JOBENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Secrets default to empty so viper's env lookup sees the keys; the
	// required validation rejects them when nothing fills them in.
	v.SetDefault("database.url", "")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("queue.password", "")

	v.SetDefault("queue.addr", "localhost:6379")
	v.SetDefault("queue.db", 0)
	v.SetDefault("queue.name", "jobengine")
	v.SetDefault("queue.visibility_timeout", "2m")
	v.SetDefault("queue.max_deliveries", 6)
	v.SetDefault("queue.reap_interval", "5s")

	v.SetDefault("blob.endpoint", "localhost:9000")
	v.SetDefault("blob.bucket", "job-results")
	v.SetDefault("blob.use_ssl", false)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.processor_timeout", "90s")
	v.SetDefault("worker.enqueue_retry_limit", 3)

	v.SetDefault("retention.job_ttl", "24h")
	v.SetDefault("retention.idempotency_ttl", "48h")
	v.SetDefault("retention.result_url_ttl", "15m")
	v.SetDefault("retention.sweep_interval", "5m")
	v.SetDefault("retention.idempotency_sweep_interval", "15m")
	v.SetDefault("retention.sweep_batch_size", 500)
}
