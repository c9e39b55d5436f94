// Package table manages the warehouse table's lifecycle: idempotent
// creation, and online ALTER TABLE ADD COLUMN as the pipeline discovers
// new unstruct-event/contexts entities, per spec.md §4.D.
package table

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"

	"loader/internal/retry"
)

// columnAlreadyExistsCode is the ClickHouse error code returned when an
// ALTER TABLE ADD COLUMN targets a column that already exists; treated as
// success, matching vendor code 1430 in spec.md §4.D.
const columnAlreadyExistsCode = 44

var (
	unstructEventPattern = regexp.MustCompile(`^unstruct_event_.*$`)
	contextsPattern       = regexp.MustCompile(`^contexts_.*$`)
)

// Manager issues the DDL that initializes and evolves the warehouse table.
type Manager struct {
	conn     clickhouse.Conn
	database string
	schema   string
	table    string
	setup    *retry.Policy
}

// New builds a table Manager bound to one (database, schema, table) fqn.
func New(conn clickhouse.Conn, database, schema, table string, setup *retry.Policy) *Manager {
	return &Manager{conn: conn, database: database, schema: schema, table: table, setup: setup}
}

func (m *Manager) fqn() string {
	if m.schema == "" {
		return fmt.Sprintf("%s.%s", m.database, m.table)
	}
	return fmt.Sprintf("%s.%s.%s", m.database, m.schema, m.table)
}

// atomicSchema is the full set of fixed columns created up front. It is a
// representative subset of the canonical analytics schema: the columns
// the pipeline itself reasons about (ids, timestamps, vendor/name/version,
// the raw self-describing JSON blobs), per SPEC_FULL.md §11.
const atomicSchema = `
	app_id String,
	platform String,
	etl_tstamp DateTime64(3),
	collector_tstamp DateTime64(3),
	dvce_created_tstamp DateTime64(3),
	event String,
	event_id String,
	txn_id String,
	name_tracker String,
	v_tracker String,
	v_collector String,
	v_etl String,
	user_id String,
	user_ipaddress String,
	user_fingerprint String,
	domain_userid String,
	domain_sessionidx Int32,
	network_userid String,
	geo_country String,
	geo_region String,
	page_url String,
	page_title String,
	page_referrer String,
	mkt_medium String,
	mkt_source String,
	mkt_campaign String,
	se_category String,
	se_action String,
	se_label String,
	se_property String,
	se_value Nullable(Float64),
	tr_urn String,
	derived_tstamp DateTime64(3),
	true_tstamp DateTime64(3),
	event_vendor String,
	event_name String,
	event_format String,
	event_version String,
	event_fingerprint String,
	load_tstamp DateTime64(3)
`

// Initialize issues CREATE TABLE IF NOT EXISTS for the atomic schema,
// wrapped in the setup retry policy so permission/connectivity problems
// alert and retry forever instead of crashing the loader on boot.
func (m *Manager) Initialize(ctx context.Context) error {
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY event_id",
		m.fqn(), atomicSchema,
	)

	return m.setup.Run(ctx, "table.initialize", func(ctx context.Context) error {
		return m.conn.Exec(ctx, stmt)
	})
}

// columnType returns the ALTER TABLE column type for name, by the naming
// convention in spec.md §4.D and §9 ("Column-name convention is
// load-bearing"). A name matching neither prefix is a pipeline bug: the
// caller passed something other than a column the warehouse itself
// reported missing, so this panics rather than silently issuing bad DDL.
func columnType(name string) string {
	switch {
	case unstructEventPattern.MatchString(name):
		return "JSON"
	case contextsPattern.MatchString(name):
		return "Array(JSON)"
	default:
		panic(fmt.Sprintf("table: column name %q matches neither unstruct_event_* nor contexts_* — programming bug", name))
	}
}

// AddColumns issues one ALTER TABLE ADD COLUMN per name, wrapped in the
// setup retry policy. "Column already exists" is swallowed as success so
// a retried ALTER (e.g. after a reset that races another writer) is a
// no-op rather than a setup error.
func (m *Manager) AddColumns(ctx context.Context, names []string) error {
	for _, name := range names {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.fqn(), name, columnType(name))

		err := m.setup.Run(ctx, "table.addColumns", func(ctx context.Context) error {
			err := m.conn.Exec(ctx, stmt)
			if isColumnAlreadyExists(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
	}
	return nil
}

func isColumnAlreadyExists(err error) bool {
	var chErr *clickhouse.Exception
	if !errors.As(err, &chErr) {
		return false
	}
	return int(chErr.Code) == columnAlreadyExistsCode
}
