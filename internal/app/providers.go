package app

import (
	"context"
	"fmt"
	"log/slog"

	"loader/internal/alert"
	"loader/internal/channel"
	"loader/internal/config"
	"loader/internal/deadletter"
	"loader/internal/health"
	awsinfra "loader/internal/infrastructure/aws"
	"loader/internal/infrastructure/database"
	"loader/internal/insert"
	"loader/internal/metrics"
	"loader/internal/pipeline"
	"loader/internal/retry"
	"loader/internal/source"
	"loader/internal/table"
	"loader/internal/telemetry"
	"loader/internal/transform"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
)

// Container holds every collaborator the loader's pipeline is built
// from, wired once at startup per spec.md §2's data flow.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Health  *health.Cell
	Alerter *alert.Alerter

	ClickHouse chdriver.Conn
	Redis      *redis.Client

	Table    *table.Manager
	Holder   *channel.Holder
	Provider *channel.Provider

	Driver *pipeline.Driver
}

// ProvideContainer builds the full Container: connections, the retry
// policies, the channel lifecycle (opener/holder/provider), the table
// manager, the transform/insert stages, and the pipeline driver that
// composes them, exactly per spec.md §2's data-flow table.
func ProvideContainer(cfg *config.Config, logger *slog.Logger) (*Container, error) {
	healthCell := health.NewCell("starting up")
	alerter := alert.New(cfg.Monitoring.Webhook.Endpoint, cfg.Monitoring.Webhook.Tags, logger)

	chConn, err := database.NewClickHouseConn(cfg.Output.Good, logger)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	redisClient, err := database.NewRedisClient(cfg.Input.RedisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	setupRetry := retry.NewSetup(cfg.Retries.SetupErrors.Delay, healthCell, alerter)
	tableManager := table.New(chConn, cfg.Output.Good.Database, cfg.Output.Good.Schema, cfg.Output.Good.Table, setupRetry)

	if err := tableManager.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("table initialize: %w", err)
	}

	opener := channel.NewOpener(chConn, cfg.Output.Good.Database, cfg.Output.Good.Schema, cfg.Output.Good.Table, atomicColumns)
	holder := channel.NewHolder(opener)
	provider := channel.NewProvider(holder, cfg.Retries.SetupErrors.Delay, healthCell, alerter)

	src, err := source.New(redisClient, source.Config{
		StreamKey:     cfg.Input.StreamKey,
		ConsumerGroup: cfg.Input.ConsumerGroup,
		ConsumerName:  cfg.Input.ConsumerName,
		BatchSize:     cfg.Input.BatchSize,
		BlockTimeout:  cfg.Input.BlockTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	s3Client, err := awsinfra.NewS3Client(context.Background(), cfg.Output.Bad.Region)
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	deadLetter := deadletter.New(s3Client, cfg.Output.Bad.Bucket, cfg.Output.Bad.Prefix, sequenceGenerator())

	filter, err := transform.NewWildcardSkipSchemas(cfg.SkipSchemas)
	if err != nil {
		return nil, fmt.Errorf("skipSchemas: %w", err)
	}
	caster := transform.NewDefaultCaster(filter)
	processor := loaderProcessor()

	transientRetry := retry.NewTransient(cfg.Retries.TransientErrors.Delay, cfg.Retries.TransientErrors.Attempts, healthCell)

	transformStage := transform.New(caster, filter, processor)
	insertStage := insert.New(provider, tableManager, processor, logger, transientRetry)
	metricsRecorder := metrics.NewRecorder()

	driver := pipeline.New(src, transformStage, insertStage, deadLetter, metricsRecorder, processor, logger, cfg.Batching.Prefetch)

	healthCell.SetHealthy()

	return &Container{
		Config:     cfg,
		Logger:     logger,
		Health:     healthCell,
		Alerter:    alerter,
		ClickHouse: chConn,
		Redis:      redisClient,
		Table:      tableManager,
		Holder:     holder,
		Provider:   provider,
		Driver:     driver,
	}, nil
}

// Close releases the container's held resources. Called once at process
// shutdown, after the pipeline driver has stopped.
func (c *Container) Close() error {
	if err := c.Holder.Finalize(); err != nil {
		c.Logger.Error("failed to close channel during shutdown", "error", err)
	}
	if err := c.ClickHouse.Close(); err != nil {
		c.Logger.Error("failed to close warehouse connection", "error", err)
	}
	return c.Redis.Close()
}

// atomicColumns is the fixed-column subset table.Manager creates up
// front (table.atomicSchema); the channel opener needs the matching
// name list to detect rows carrying extra (not-yet-evolved) columns.
var atomicColumns = []string{
	"app_id", "platform", "etl_tstamp", "collector_tstamp", "dvce_created_tstamp",
	"event", "event_id", "txn_id", "name_tracker", "v_tracker", "v_collector", "v_etl",
	"user_id", "user_ipaddress", "user_fingerprint", "domain_userid", "domain_sessionidx",
	"network_userid", "geo_country", "geo_region", "page_url", "page_title", "page_referrer",
	"mkt_medium", "mkt_source", "mkt_campaign",
	"se_category", "se_action", "se_label", "se_property", "se_value",
	"tr_urn", "derived_tstamp", "true_tstamp",
	"event_vendor", "event_name", "event_format", "event_version", "event_fingerprint",
	"load_tstamp",
}
