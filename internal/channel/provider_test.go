package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loader/internal/alert"
	"loader/internal/health"
	"loader/pkg/logging"
)

func TestProvider_Opened_SucceedsWithoutRetry(t *testing.T) {
	h := NewHolder(nil)
	h.channel = &fakeChannel{}

	logger := logging.NewLogger(slog.LevelError)
	p := NewProvider(h, time.Millisecond, health.NewCell("starting up"), alert.New("", nil, logger))

	calls := 0
	err := p.Opened(context.Background(), func(ch Channel) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestProvider_Opened_RetriesOnFailureThenSucceeds(t *testing.T) {
	h := NewHolder(nil)
	h.channel = &fakeChannel{}

	logger := logging.NewLogger(slog.LevelError)
	p := NewProvider(h, time.Millisecond, health.NewCell("starting up"), alert.New("", nil, logger))

	var calls int32
	err := p.Opened(context.Background(), func(ch Channel) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("transient open failure")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestProvider_Opened_SharesOneBackoffAcrossConcurrentCallers(t *testing.T) {
	h := NewHolder(nil)
	h.channel = &fakeChannel{}

	logger := logging.NewLogger(slog.LevelError)
	healthCell := health.NewCell("starting up")
	p := NewProvider(h, 20*time.Millisecond, healthCell, alert.New("", nil, logger))

	var failuresLeft int32 = 1 // first caller to arrive fails once, then all succeed
	var wg sync.WaitGroup
	var succeeded int32

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Opened(context.Background(), func(ch Channel) error {
				if atomic.LoadInt32(&failuresLeft) > 0 && atomic.CompareAndSwapInt32(&failuresLeft, 1, 0) {
					return errors.New("first attempt fails")
				}
				atomic.AddInt32(&succeeded, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), atomic.LoadInt32(&succeeded))
	assert.True(t, healthCell.IsHealthy())
}

func TestProvider_Opened_ContextCancelDuringBackoffReturnsErr(t *testing.T) {
	h := NewHolder(nil)
	h.channel = &fakeChannel{}

	logger := logging.NewLogger(slog.LevelError)
	p := NewProvider(h, time.Second, health.NewCell("starting up"), alert.New("", nil, logger))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := p.Opened(ctx, func(ch Channel) error {
		return errors.New("always fails")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
