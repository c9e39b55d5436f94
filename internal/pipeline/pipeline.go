// Package pipeline composes the stages of spec.md §4.J into the full
// per-batch state machine: parse → transform → insert (two-pass) →
// dead-letter emission → metrics → ack. The prefetch boundary decouples
// the (fast) insert path from the (slower) dead-letter/ack tail so a slow
// dead-letter sink never stalls insert throughput.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"loader/internal/errors"
	"loader/internal/insert"
	"loader/internal/loader"
	"loader/internal/metrics"
	"loader/internal/transform"
)

// Source yields an infinite sequence of batches. Acking a batch's Token
// triggers the source's own checkpoint.
type Source interface {
	Stream(ctx context.Context) (<-chan loader.TokenedEvents, <-chan error)
}

// DeadLetterSink publishes rejected/malformed events downstream.
type DeadLetterSink interface {
	Send(ctx context.Context, rows []loader.BadRow) error
}

// tail is one batch handed across the prefetch boundary: already inserted,
// waiting only on dead-letter emission, metrics, and ack.
type tail struct {
	batch loader.BatchAfterTransform
}

// Driver runs the full per-batch pipeline over a Source.
type Driver struct {
	source      Source
	transform   *transform.Stage
	insert      *insert.Stage
	deadLetter  DeadLetterSink
	metrics     *metrics.Recorder
	processor   loader.Processor
	logger      *slog.Logger
	prefetch    int
}

// New builds a pipeline Driver. prefetch is the size of the buffered
// channel forming the boundary of spec.md §4.J/§5 between insert and the
// dead-letter/ack tail.
func New(
	source Source,
	transformStage *transform.Stage,
	insertStage *insert.Stage,
	deadLetter DeadLetterSink,
	metricsRecorder *metrics.Recorder,
	processor loader.Processor,
	logger *slog.Logger,
	prefetch int,
) *Driver {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Driver{
		source:     source,
		transform:  transformStage,
		insert:     insertStage,
		deadLetter: deadLetter,
		metrics:    metricsRecorder,
		processor:  processor,
		logger:     logger,
		prefetch:   prefetch,
	}
}

// Run drives the pipeline until ctx is cancelled or a fatal error occurs.
// Cancellation during source consumption is ungraceful: in-flight batches
// are abandoned without acking and will be redelivered, per spec.md §5.
func (d *Driver) Run(ctx context.Context) error {
	batches, sourceErrs := d.source.Stream(ctx)
	tails := make(chan tail, d.prefetch)
	done := make(chan error, 1)

	go d.drainTail(ctx, tails, done)

	for {
		select {
		case <-ctx.Done():
			close(tails)
			<-done
			return ctx.Err()

		case err := <-sourceErrs:
			close(tails)
			<-done
			return fmt.Errorf("pipeline: source error: %w", err)

		case batch, ok := <-batches:
			if !ok {
				close(tails)
				return <-done
			}

			after, err := d.processOne(ctx, batch)
			if err != nil {
				close(tails)
				<-done
				return err
			}

			select {
			case tails <- tail{batch: after}:
			case <-ctx.Done():
				close(tails)
				<-done
				return ctx.Err()
			}
		}
	}
}

// processOne runs parse → transform → insert for one batch. A fatal
// insert error is returned uninterpreted so Run can short-circuit to a
// crash without acking, per the state machine in spec.md §4.J.
func (d *Driver) processOne(ctx context.Context, raw loader.TokenedEvents) (loader.BatchAfterTransform, error) {
	parsed := transform.ParseBatch(raw, d.processor)
	afterTransform := d.transform.Run(ctx, parsed)

	afterInsert, err := d.insert.Run(ctx, afterTransform)
	if err != nil {
		if errors.IsFatal(err) {
			d.logger.Error("fatal insert error, batch will not be acked", "error", err)
		}
		return afterInsert, err
	}

	return afterInsert, nil
}

// drainTail consumes completed batches across the prefetch boundary:
// publish bad rows, record metrics, then ack — in that order, so an ack
// is never emitted before every payload in the batch has been either
// inserted or dead-lettered.
func (d *Driver) drainTail(ctx context.Context, tails <-chan tail, done chan<- error) {
	for t := range tails {
		batch := t.batch

		if len(batch.BadAccumulated) > 0 {
			if err := d.deadLetter.Send(ctx, batch.BadAccumulated); err != nil {
				d.logger.Error("failed to publish bad rows", "error", err, "count", len(batch.BadAccumulated))
			}
		}

		good := batch.OrigBatchSize - len(batch.BadAccumulated)
		d.metrics.RecordBatch(good, len(batch.BadAccumulated))

		if err := batch.Ack.Ack(); err != nil {
			d.logger.Error("failed to ack batch", "error", err)
		}
	}
	done <- nil
}
