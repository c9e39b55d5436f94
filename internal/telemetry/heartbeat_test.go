package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRun_SendsHeartbeatImmediatelyAndOnTicks(t *testing.T) {
	hits := make(chan struct{}, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan struct{})
	go func() {
		Run(ctx, Config{Endpoint: server.URL, LoaderVersion: "test", Interval: 10 * time.Millisecond}, logger)
		close(done)
	}()

	select {
	case <-hits:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate heartbeat")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRun_DisabledWhenEndpointEmpty(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan struct{})
	go func() {
		Run(context.Background(), Config{Endpoint: "", Interval: time.Millisecond}, logger)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when Endpoint is empty")
	}
	assert.True(t, true)
}
