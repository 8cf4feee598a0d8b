package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis (tenant config cache, enqueue idempotency)
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     string `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`

	// NATS (queue broker + event bus)
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Pipeline
	UseBroker           bool  `envconfig:"PIPELINE_USE_BROKER" default:"true"`
	MaxRetries          int   `envconfig:"PIPELINE_MAX_RETRIES" default:"3"`
	RetryIntervalMs     int64 `envconfig:"PIPELINE_RETRY_INTERVAL_MS" default:"60000"`
	BackoffMultiplier   int   `envconfig:"PIPELINE_BACKOFF_MULTIPLIER" default:"2"`
	RetryPollIntervalMs int64 `envconfig:"PIPELINE_RETRY_POLL_INTERVAL_MS" default:"30000"`
	StuckThresholdMs    int64 `envconfig:"PIPELINE_STUCK_THRESHOLD_MS" default:"300000"`
	RetryBatchSize      int   `envconfig:"PIPELINE_RETRY_BATCH_SIZE" default:"100"`

	// Worker
	PollerMaxInFlight int           `envconfig:"PIPELINE_POLLER_MAX_IN_FLIGHT" default:"10"`
	ProcessTimeout    time.Duration `envconfig:"PIPELINE_PROCESS_TIMEOUT" default:"30s"`

	// Webhook
	EmailWebhookVerificationKey string `envconfig:"EMAIL_WEBHOOK_VERIFICATION_KEY" default:""`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RedisAddr returns the host:port pair for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMs) * time.Millisecond
}

func (c *Config) RetryPollInterval() time.Duration {
	return time.Duration(c.RetryPollIntervalMs) * time.Millisecond
}

func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMs) * time.Millisecond
}
