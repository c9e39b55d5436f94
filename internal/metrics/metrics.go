// Package metrics registers the pipeline's Prometheus counters and its
// batch-latency histogram. The pipeline calls RecordBatch once per
// acknowledged batch; it does not call RecordLatency, so nothing in the
// loader itself observes the histogram. Registration follows the
// promauto.NewCounterVec/NewHistogramVec convention of
// internal/transport/http/middleware/middleware.go in the teacher
// codebase this loader was adapted from.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	goodEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_good_events_total",
		Help: "Total number of events successfully inserted into the warehouse.",
	})

	badEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_bad_events_total",
		Help: "Total number of events dead-lettered (parse, transform, or data errors).",
	})

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loader_batches_total",
		Help: "Total number of batches acknowledged.",
	})

	latencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loader_batch_latency_seconds",
		Help:    "Time from batch receipt to ack.",
		Buckets: prometheus.DefBuckets,
	})
)

// Recorder updates the pipeline's Prometheus metrics. It carries no
// state of its own beyond when RecordBatch was last called relative to
// batch receipt (left to the caller, via RecordLatency).
type Recorder struct{}

// NewRecorder builds a Recorder. Registration happens once at package
// init via promauto; multiple Recorders share the same global metrics.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordBatch increments the good/bad event counters and the batch
// counter for one acknowledged batch.
func (r *Recorder) RecordBatch(good, bad int) {
	goodEventsTotal.Add(float64(good))
	badEventsTotal.Add(float64(bad))
	batchesTotal.Inc()
}

// RecordLatency observes the time elapsed since a batch was received.
func (r *Recorder) RecordLatency(since time.Time) {
	latencySeconds.Observe(time.Since(since).Seconds())
}
