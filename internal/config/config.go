// Package config provides configuration management for the loader.
//
// Configuration is loaded from multiple sources in this order:
//  1. Configuration files (YAML)
//  2. Environment variables (override file values, "." replaced with "_")
//  3. Defaults set via viper.SetDefault
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"loader/pkg/units"
)

// Config is the loader's complete configuration tree, matching spec.md §6.
type Config struct {
	Input      InputConfig      `mapstructure:"input"`
	Output     OutputConfig     `mapstructure:"output"`
	Batching   BatchingConfig   `mapstructure:"batching"`
	Retries    RetriesConfig    `mapstructure:"retries"`
	SkipSchemas []string        `mapstructure:"skipSchemas"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// InputConfig describes the source-specific consumer: a Redis Streams
// consumer group standing in for spec.md §6's subscription-id/stream-name
// + consumer-app-name + initial-position + retrieval-mode contract.
type InputConfig struct {
	StreamKey        string        `mapstructure:"streamKey"`
	ConsumerGroup    string        `mapstructure:"consumerGroup"`
	ConsumerName     string        `mapstructure:"consumerName"`
	InitialPosition  string        `mapstructure:"initialPosition"` // "0" (beginning) or "$" (new only)
	BatchSize        int64         `mapstructure:"batchSize"`
	BlockTimeout     time.Duration `mapstructure:"blockTimeout"`
	RedisURL         string        `mapstructure:"redisUrl"`
}

// OutputConfig groups the warehouse ("good") and dead-letter ("bad")
// destinations of spec.md §6.
type OutputConfig struct {
	Good GoodOutputConfig `mapstructure:"good"`
	Bad  BadOutputConfig  `mapstructure:"bad"`
}

// GoodOutputConfig is the warehouse connection spec.md §6 describes:
// URL, user, private key, optional passphrase/role, database, schema,
// table, channel name, and three JDBC-equivalent timeouts.
type GoodOutputConfig struct {
	URL              string        `mapstructure:"url"`
	User             string        `mapstructure:"user"`
	PrivateKey       string        `mapstructure:"privateKey"`
	PrivateKeyPassphrase string    `mapstructure:"privateKeyPassphrase"`
	Role             string        `mapstructure:"role"`
	Database         string        `mapstructure:"database"`
	Schema           string        `mapstructure:"schema"`
	Table            string        `mapstructure:"table"`
	ChannelName      string        `mapstructure:"channelName"`
	LoginTimeout     time.Duration `mapstructure:"loginTimeout"`
	NetworkTimeout   time.Duration `mapstructure:"networkTimeout"`
	QueryTimeout     time.Duration `mapstructure:"queryTimeout"`
}

// BadOutputConfig is the dead-letter destination: an S3 bucket/prefix
// plus the batch/byte/backoff knobs spec.md §6 names.
type BadOutputConfig struct {
	Bucket      string        `mapstructure:"bucket"`
	Prefix      string        `mapstructure:"prefix"`
	Region      string        `mapstructure:"region"`
	MaxBytes    int64         `mapstructure:"maxBytes"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
}

// BatchingConfig controls how the pipeline sizes and paces batches.
type BatchingConfig struct {
	MaxBytes          int64         `mapstructure:"maxBytes"`
	MaxDelay          time.Duration `mapstructure:"maxDelay"`
	UploadConcurrency int           `mapstructure:"uploadConcurrency"`
	Prefetch          int           `mapstructure:"prefetch"`
}

// RetriesConfig configures the two backoff policies of spec.md §4.A.
type RetriesConfig struct {
	SetupErrors     SetupRetryConfig     `mapstructure:"setupErrors"`
	TransientErrors TransientRetryConfig `mapstructure:"transientErrors"`
}

type SetupRetryConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

type TransientRetryConfig struct {
	Delay    time.Duration `mapstructure:"delay"`
	Attempts int           `mapstructure:"attempts"`
}

// MonitoringConfig groups the metrics/crash/webhook collaborators of
// spec.md §6.
type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Sentry  SentryConfig  `mapstructure:"sentry"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	HTTPAddr string       `mapstructure:"httpAddr"`
}

type MetricsConfig struct {
	Statsd StatsdConfig `mapstructure:"statsd"`
}

// StatsdConfig is accepted for compatibility with spec.md §6's statsd
// knobs; the pack's metrics library is Prometheus (see DESIGN.md), so
// these fields are read but not dialed, and nothing else uses them: the
// Prometheus metrics in internal/metrics have fixed names and no tags.
type StatsdConfig struct {
	Host   string            `mapstructure:"host"`
	Port   int               `mapstructure:"port"`
	Tags   map[string]string `mapstructure:"tags"`
	Period time.Duration     `mapstructure:"period"`
	Prefix string            `mapstructure:"prefix"`
}

type SentryConfig struct {
	DSN  string            `mapstructure:"dsn"`
	Tags map[string]string `mapstructure:"tags"`
}

type WebhookConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Tags     map[string]string `mapstructure:"tags"`
}

// TelemetryConfig configures the heartbeat of spec.md §6.
type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	Interval        time.Duration `mapstructure:"interval"`
	AppGeneratorURI string        `mapstructure:"appGeneratorUri"`
}

// LoggingConfig controls the ambient slog/tint logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load loads configuration from files and environment variables,
// applying spec.md §6's hierarchical defaults.
func Load() (*Config, error) {
	// Optional .env for local development; Viper then reads the
	// environment variables it sets.
	_ = godotenv.Load(".env")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/loader")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	//nolint:errcheck
	viper.BindEnv("input.redisUrl", "REDIS_URL")
	//nolint:errcheck
	viper.BindEnv("output.good.url", "WAREHOUSE_URL")
	//nolint:errcheck
	viper.BindEnv("output.good.user", "WAREHOUSE_USER")
	//nolint:errcheck
	viper.BindEnv("output.good.privateKey", "WAREHOUSE_PRIVATE_KEY")
	//nolint:errcheck
	viper.BindEnv("output.good.privateKeyPassphrase", "WAREHOUSE_PRIVATE_KEY_PASSPHRASE")
	//nolint:errcheck
	viper.BindEnv("output.bad.bucket", "DEAD_LETTER_BUCKET")
	//nolint:errcheck
	viper.BindEnv("monitoring.webhook.endpoint", "ALERT_WEBHOOK_URL")
	//nolint:errcheck
	viper.BindEnv("monitoring.sentry.dsn", "SENTRY_DSN")
	//nolint:errcheck
	viper.BindEnv("logging.level", "LOG_LEVEL")
	//nolint:errcheck
	viper.BindEnv("logging.format", "LOG_FORMAT")

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("input.streamKey", "telemetry:batches")
	viper.SetDefault("input.consumerGroup", "loader")
	viper.SetDefault("input.consumerName", "loader-1")
	viper.SetDefault("input.initialPosition", "0")
	viper.SetDefault("input.batchSize", 500)
	viper.SetDefault("input.blockTimeout", "5s")
	viper.SetDefault("input.redisUrl", "redis://localhost:6379/0")

	viper.SetDefault("output.good.database", "analytics")
	viper.SetDefault("output.good.schema", "")
	viper.SetDefault("output.good.table", "events")
	viper.SetDefault("output.good.channelName", "loader-channel")
	viper.SetDefault("output.good.loginTimeout", "60s")
	viper.SetDefault("output.good.networkTimeout", "60s")
	viper.SetDefault("output.good.queryTimeout", "60s")

	viper.SetDefault("output.bad.prefix", "badrows")
	viper.SetDefault("output.bad.maxBytes", units.BytesPerMB)
	viper.SetDefault("output.bad.maxDelay", "1s")
	viper.SetDefault("output.bad.backoffBase", "1s")

	viper.SetDefault("batching.maxBytes", 16*units.BytesPerMB)
	viper.SetDefault("batching.maxDelay", "1s")
	viper.SetDefault("batching.uploadConcurrency", 1)
	viper.SetDefault("batching.prefetch", 4)

	viper.SetDefault("retries.setupErrors.delay", "30s")
	viper.SetDefault("retries.transientErrors.delay", "1s")
	viper.SetDefault("retries.transientErrors.attempts", 5)

	viper.SetDefault("monitoring.httpAddr", ":9102")
	viper.SetDefault("monitoring.metrics.statsd.period", "60s")
	viper.SetDefault("monitoring.metrics.statsd.prefix", "loader")

	viper.SetDefault("telemetry.interval", "5m")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Validate checks the fields the loader cannot safely start without.
func (c *Config) Validate() error {
	if c.Output.Good.URL == "" {
		return errors.New("output.good.url is required")
	}
	if c.Output.Good.Table == "" {
		return errors.New("output.good.table is required")
	}
	if c.Output.Bad.Bucket == "" {
		return errors.New("output.bad.bucket is required")
	}
	if c.Batching.UploadConcurrency <= 0 {
		return fmt.Errorf("batching.uploadConcurrency must be positive, got %d", c.Batching.UploadConcurrency)
	}
	if c.Retries.TransientErrors.Attempts <= 0 {
		return fmt.Errorf("retries.transientErrors.attempts must be positive, got %d", c.Retries.TransientErrors.Attempts)
	}
	return c.Logging.Validate()
}

// Validate checks the logging level is among the recognized set. The
// format is not checked; pkg/logging falls back to JSON for an
// unrecognized one.
func (lc *LoggingConfig) Validate() error {
	switch strings.ToLower(lc.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", lc.Level)
	}
	return nil
}
