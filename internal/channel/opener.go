package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"loader/internal/loader"
)

// Opener allocates a channel bound to one (database, schema, table) fqn.
// It has no retry policy of its own — retry is the Provider's job
// (spec.md §4.E).
type Opener struct {
	conn     clickhouse.Conn
	database string
	schema   string
	table    string
	columns  []string
}

// NewOpener builds an Opener for the given warehouse connection and
// target table. columns is the current set of fixed+evolved column
// names, refreshed by the caller whenever the schema changes.
func NewOpener(conn clickhouse.Conn, database, schema, table string, columns []string) *Opener {
	return &Opener{conn: conn, database: database, schema: schema, table: table, columns: columns}
}

func (o *Opener) fqn() string {
	if o.schema == "" {
		return fmt.Sprintf("%s.%s", o.database, o.table)
	}
	return fmt.Sprintf("%s.%s.%s", o.database, o.schema, o.table)
}

// Open allocates a native-protocol channel. Open failures propagate to
// the caller uninterpreted; classification happens in the Provider.
func (o *Opener) Open(ctx context.Context) (Channel, error) {
	if err := o.conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("channel open: ping: %w", err)
	}
	return &nativeChannel{conn: o.conn, fqn: o.fqn(), columns: o.columns}, nil
}

// nativeChannel writes rows via clickhouse-go's native batch protocol,
// standing in for the warehouse's streaming-ingest SDK (SPEC_FULL.md §6).
type nativeChannel struct {
	conn    clickhouse.Conn
	fqn     string
	columns []string
}

// Write submits rows as one native batch insert. A row carrying a column
// outside c.columns is reported as an InsertFailure at its own index, with
// those names in ExtraCols, and is not appended; a row whose Append fails
// is reported at its own index with the vendor code taken from that error.
// If every row failed, nothing is sent. A failure of the final Send is
// returned as an error for the whole call, not as per-row failures. The
// insert stage (internal/insert) folds the failure list.
func (c *nativeChannel) Write(ctx context.Context, rows []map[string]any) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}

	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", c.fqn))
	if err != nil {
		return WriteResult{}, fmt.Errorf("prepare batch: %w", err)
	}

	var failures []loader.InsertFailure
	for i, row := range rows {
		values := make([]any, len(c.columns))
		extra := map[string]struct{}{}
		for j, col := range c.columns {
			v, ok := row[col]
			if !ok {
				v = nil
			}
			values[j] = v
		}
		for col := range row {
			if !contains(c.columns, col) {
				extra[col] = struct{}{}
			}
		}

		if len(extra) > 0 {
			failures = append(failures, loader.InsertFailure{
				Index:     i,
				ExtraCols: extra,
				Cause:     loader.VendorError{Code: 0, Message: "unknown column"},
			})
			continue
		}

		if err := batch.Append(values...); err != nil {
			failures = append(failures, loader.InsertFailure{
				Index:     i,
				ExtraCols: nil,
				Cause:     loader.VendorError{Code: vendorCodeFromAppendErr(err), Message: err.Error()},
			})
		}
	}

	if len(failures) == len(rows) {
		return WriteResult{Failures: failures}, nil
	}

	if err := batch.Send(); err != nil {
		return WriteResult{}, fmt.Errorf("send batch: %w", err)
	}

	return WriteResult{Failures: failures}, nil
}

func (c *nativeChannel) Close() error {
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// vendorCodeFromAppendErr maps a batch-append error to one of the vendor
// codes the insert stage classifies against (spec.md §4.I). A real
// streaming-ingest SDK reports these directly; here the native driver's own
// *clickhouse.Exception.Code is used when Append surfaced one (mirroring
// internal/table's isColumnAlreadyExists pattern). An error that isn't a
// clickhouse.Exception — a dropped connection, an auth failure — cannot be
// a data-issue code in the 100-105 whitelist, so it falls back to 0, which
// internal/insert treats as fatal rather than silently dead-lettering it.
func vendorCodeFromAppendErr(err error) int {
	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		return int(chErr.Code)
	}
	return 0
}
