package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loader/internal/loader"
)

func TestDefaultCaster_Transform_ProjectsFixedColumns(t *testing.T) {
	caster := NewDefaultCaster(nil)

	event := loader.Event{AppID: "app-1", EventID: "e-1", Platform: "web"}
	columns, err := caster.Transform(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, "app-1", columns["app_id"])
	assert.Equal(t, "e-1", columns["event_id"])
	assert.Equal(t, "web", columns["platform"])
}

func TestDefaultCaster_Transform_ProjectsUnstructEvent(t *testing.T) {
	caster := NewDefaultCaster(nil)

	event := loader.Event{
		EventID:          "e-1",
		UnstructEventRaw: []byte(`{"schema":"iglu:com.example/button_click/jsonschema/1-0-0","data":{"id":42}}`),
	}

	columns, err := caster.Transform(context.Background(), event)
	require.NoError(t, err)

	projected, ok := columns["unstruct_event_com_example_button_click_1"]
	require.True(t, ok, "expected column unstruct_event_com_example_button_click_1, got %v", columns)
	assert.Equal(t, map[string]any{"id": float64(42)}, projected)
}

func TestDefaultCaster_Transform_ProjectsContexts(t *testing.T) {
	caster := NewDefaultCaster(nil)

	event := loader.Event{
		EventID: "e-1",
		ContextsRaw: []byte(`{"data":[
			{"schema":"iglu:com.example/session/jsonschema/1-0-0","data":{"id":"s1"}},
			{"schema":"iglu:com.example/session/jsonschema/1-0-0","data":{"id":"s2"}}
		]}`),
	}

	columns, err := caster.Transform(context.Background(), event)
	require.NoError(t, err)

	projected, ok := columns["contexts_com_example_session_1"]
	require.True(t, ok)
	assert.Len(t, projected, 2)
}

type skipAll struct{}

func (skipAll) Skip(igluURI string) bool { return true }

func TestDefaultCaster_Transform_SkipsFilteredSchemas(t *testing.T) {
	caster := NewDefaultCaster(skipAll{})

	event := loader.Event{
		EventID:          "e-1",
		UnstructEventRaw: []byte(`{"schema":"iglu:com.example/button_click/jsonschema/1-0-0","data":{"id":1}}`),
	}

	columns, err := caster.Transform(context.Background(), event)
	require.NoError(t, err)
	_, ok := columns["unstruct_event_com_example_button_click_1"]
	assert.False(t, ok)
}

func TestDefaultCaster_Transform_InvalidUnstructSchemaErrors(t *testing.T) {
	caster := NewDefaultCaster(nil)

	event := loader.Event{
		EventID:          "e-1",
		UnstructEventRaw: []byte(`{"schema":"not-an-iglu-uri","data":{}}`),
	}

	_, err := caster.Transform(context.Background(), event)
	assert.Error(t, err)
}
