// Package database builds the warehouse and source connections the
// loader's other packages operate over.
package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"loader/internal/config"
)

// NewClickHouseConn opens the native-protocol connection used by both
// the table manager (DDL) and the channel opener (streaming insert),
// applying the three configurable timeouts of spec.md §5 ("Per-JDBC-
// operation: login, network, query ... default 60s").
func NewClickHouseConn(cfg config.GoodOutputConfig, logger *slog.Logger) (driver.Conn, error) {
	options, err := clickhouse.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warehouse DSN: %w", err)
	}

	options.Auth = clickhouse.Auth{
		Database: cfg.Database,
		Username: cfg.User,
		Password: cfg.PrivateKeyPassphrase,
	}
	options.DialTimeout = cfg.LoginTimeout
	options.ReadTimeout = cfg.NetworkTimeout
	options.Settings = clickhouse.Settings{
		"max_execution_time": int(cfg.QueryTimeout.Seconds()),
	}
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LoginTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	logger.Info("connected to warehouse", "database", cfg.Database, "table", cfg.Table)
	return conn, nil
}
