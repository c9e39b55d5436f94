// Package channel implements the streaming-ingest channel lifecycle:
// a single Channel per process (E), a cold-swap holder mediating
// exclusive access during schema-evolution transitions (F), and a
// retrying, alerting provider on top (G). See spec.md §4.E–§4.G.
package channel

import (
	"context"

	"loader/internal/loader"
)

// WriteResult reports the per-row failures from one Channel.Write call.
// An empty Failures slice means every row was accepted.
type WriteResult struct {
	Failures []loader.InsertFailure
}

// Channel is an owned streaming-ingest session bound to one warehouse
// table. At most one live instance exists per process at any time; it is
// never retained past the scope it was obtained in (see Provider.Opened).
type Channel interface {
	Write(ctx context.Context, rows []map[string]any) (WriteResult, error)
	Close() error
}
