package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlerter_Send_PostsPayloadToWebhook(t *testing.T) {
	received := make(chan Payload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(server.URL, map[string]string{"env": "test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.Send(context.Background(), SeverityCritical, "channel open failed")

	p := <-received
	assert.Equal(t, "channel open failed", p.Message)
	assert.Equal(t, SeverityCritical, p.Severity)
	assert.Equal(t, "test", p.Tags["env"])
}

func TestAlerter_Send_EmptyEndpointIsNoOp(t *testing.T) {
	a := New("", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		a.Send(context.Background(), SeverityWarning, "no webhook configured")
	})
}
