package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_RecordBatch_IncrementsCounters(t *testing.T) {
	r := NewRecorder()

	goodBefore := testutil.ToFloat64(goodEventsTotal)
	badBefore := testutil.ToFloat64(badEventsTotal)
	batchesBefore := testutil.ToFloat64(batchesTotal)

	r.RecordBatch(8, 2)

	assert.Equal(t, goodBefore+8, testutil.ToFloat64(goodEventsTotal))
	assert.Equal(t, badBefore+2, testutil.ToFloat64(badEventsTotal))
	assert.Equal(t, batchesBefore+1, testutil.ToFloat64(batchesTotal))
}

func TestRecorder_RecordLatency_ObservesWithoutPanic(t *testing.T) {
	r := NewRecorder()
	assert.NotPanics(t, func() {
		r.RecordLatency(time.Now().Add(-5 * time.Millisecond))
	})
}
