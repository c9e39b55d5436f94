package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loader/internal/channel"
	"loader/internal/health"
	"loader/internal/insert"
	"loader/internal/loader"
	"loader/internal/metrics"
	"loader/internal/retry"
	"loader/internal/transform"
)

// ackRecorder tracks the order batches are acked in, which must match
// submission order regardless of how stages overlap internally.
type ackRecorder struct {
	mu    sync.Mutex
	order []int
}

type ackFunc func() error

func (f ackFunc) Ack() error { return f() }

func (a *ackRecorder) token(id int) loader.Token {
	return ackFunc(func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.order = append(a.order, id)
		return nil
	})
}

// fakeSource replays a fixed sequence of batches, then closes.
type fakeSource struct {
	batches []loader.TokenedEvents
}

func (s *fakeSource) Stream(ctx context.Context) (<-chan loader.TokenedEvents, <-chan error) {
	out := make(chan loader.TokenedEvents)
	errs := make(chan error)
	go func() {
		defer close(out)
		for _, b := range s.batches {
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

// fakeDeadLetter records every Send call.
type fakeDeadLetter struct {
	mu    sync.Mutex
	sends [][]loader.BadRow
}

func (d *fakeDeadLetter) Send(ctx context.Context, rows []loader.BadRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, rows)
	return nil
}

// identityTransformer casts every event's id straight through, never
// failing, so pipeline tests can focus on ordering rather than casting.
type identityTransformer struct{}

func (identityTransformer) Transform(ctx context.Context, e loader.Event) (map[string]any, error) {
	return map[string]any{"event_id": e.EventID}, nil
}

// fakeChannel returns one canned WriteResult per Write call.
type fakeChannel struct {
	result channel.WriteResult
}

func (f fakeChannel) Write(ctx context.Context, rows []map[string]any) (channel.WriteResult, error) {
	return f.result, nil
}

func (f fakeChannel) Close() error { return nil }

// fakeProvider hands back one canned WriteResult per Opened call, in order.
type fakeProvider struct {
	mu      sync.Mutex
	results []channel.WriteResult
	calls   int
}

func (p *fakeProvider) Opened(ctx context.Context, fn func(channel.Channel) error) error {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	var result channel.WriteResult
	if idx < len(p.results) {
		result = p.results[idx]
	}
	p.mu.Unlock()
	return fn(fakeChannel{result: result})
}

func (p *fakeProvider) Reset(ctx context.Context) error { return nil }

type fakeTableManager struct{}

func (fakeTableManager) AddColumns(ctx context.Context, names []string) error { return nil }

func newTestDriver(t *testing.T, src Source, deadLetter DeadLetterSink, provider insert.Provider, prefetch int) *Driver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transformStage := transform.New(identityTransformer{}, nil, loader.Processor{Name: "test", Version: "test"})
	transient := retry.NewTransient(time.Millisecond, 1, health.NewCell("test"))
	insertStage := insert.New(provider, fakeTableManager{}, loader.Processor{Name: "test", Version: "test"}, logger, transient)
	return New(src, transformStage, insertStage, deadLetter, metrics.NewRecorder(), loader.Processor{Name: "test", Version: "test"}, logger, prefetch)
}

func wellFormedPayload(eventID string) []byte {
	return transform.SerializeRecord(loader.Event{EventID: eventID})
}

// Scenario 1: two batches of two well-formed events each insert cleanly and
// ack in submission order.
func TestDriver_Run_TwoCleanBatches_AckInSubmissionOrder(t *testing.T) {
	acks := &ackRecorder{}
	src := &fakeSource{batches: []loader.TokenedEvents{
		{Payloads: [][]byte{wellFormedPayload("a"), wellFormedPayload("b")}, Ack: acks.token(0)},
		{Payloads: [][]byte{wellFormedPayload("c"), wellFormedPayload("d")}, Ack: acks.token(1)},
	}}
	deadLetter := &fakeDeadLetter{}
	provider := &fakeProvider{results: []channel.WriteResult{{}, {}}}

	driver := newTestDriver(t, src, deadLetter, provider, 4)

	err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, acks.order)
	assert.Empty(t, deadLetter.sends)
	assert.Equal(t, 2, provider.calls, "one Write call per batch, not per event")
}

// Scenario 3: one batch mixing malformed and valid records inserts the
// valid rows, dead-letters the malformed ones, and still acks exactly once.
func TestDriver_Run_MixedBatch_InsertsValidDeadLettersMalformed(t *testing.T) {
	acks := &ackRecorder{}
	src := &fakeSource{batches: []loader.TokenedEvents{
		{
			Payloads: [][]byte{
				[]byte("not-enough-tab-separated-fields"),
				wellFormedPayload("a"),
				[]byte("also-malformed"),
				wellFormedPayload("b"),
			},
			Ack: acks.token(0),
		},
	}}
	deadLetter := &fakeDeadLetter{}
	provider := &fakeProvider{results: []channel.WriteResult{{}}}

	driver := newTestDriver(t, src, deadLetter, provider, 4)

	err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0}, acks.order)
	require.Len(t, deadLetter.sends, 1)
	assert.Len(t, deadLetter.sends[0], 2, "the two malformed records should be dead-lettered")
	assert.Equal(t, 1, provider.calls, "only the two valid rows should reach the warehouse")
}

// A fatal insert error must stop the driver without acking the batch it
// occurred in.
func TestDriver_Run_FatalInsertError_StopsWithoutAck(t *testing.T) {
	acks := &ackRecorder{}
	src := &fakeSource{batches: []loader.TokenedEvents{
		{Payloads: [][]byte{wellFormedPayload("a")}, Ack: acks.token(0)},
	}}
	deadLetter := &fakeDeadLetter{}
	provider := &fakeProvider{results: []channel.WriteResult{
		{Failures: []loader.InsertFailure{
			{Index: 0, Cause: loader.VendorError{Code: 1, Message: "internal error"}},
		}},
	}}

	driver := newTestDriver(t, src, deadLetter, provider, 4)

	err := driver.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, acks.order, "a fatal insert error must not be acked")
}
