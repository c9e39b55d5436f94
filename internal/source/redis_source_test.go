package source

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("WRONGTYPE operation")))
	assert.False(t, isBusyGroup(nil))
}

func TestMessagePayloads_EnvelopedEvents(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"data": `{"events":[{"event_payload":"a\tb\tc"},{"event_payload":"d\te\tf"}]}`,
		},
	}

	payloads, err := messagePayloads(msg)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, `"a\tb\tc"`, string(payloads[0]))
}

func TestMessagePayloads_RawFallbackWhenNotEnveloped(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"data": "app_id\tweb\tevent_id",
		},
	}

	payloads, err := messagePayloads(msg)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "app_id\tweb\tevent_id", string(payloads[0]))
}

func TestMessagePayloads_MissingDataFieldErrors(t *testing.T) {
	msg := redis.XMessage{ID: "1-0", Values: map[string]interface{}{}}
	_, err := messagePayloads(msg)
	assert.Error(t, err)
}

func TestMessagePayloads_EmptyEventsListFallsBackToRaw(t *testing.T) {
	msg := redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": `{"events":[]}`},
	}

	payloads, err := messagePayloads(msg)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
}
