package transform

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loader/internal/loader"
)

func sampleEvent() loader.Event {
	se := 3.14
	return loader.Event{
		AppID:             "app-1",
		Platform:          "web",
		ETLTstamp:         time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC),
		CollectorTstamp:   time.Date(2026, 7, 30, 10, 0, 1, 0, time.UTC),
		DvceCreatedTstamp: time.Date(2026, 7, 30, 9, 59, 58, 0, time.UTC),
		Event:             "unstruct",
		EventID:           "abc-123",
		DomainSessionIDX:  4,
		SeVategory:        "checkout",
		SeAction:          "click",
		SeValue:           &se,
		EventVendor:       "com.example",
		EventName:         "button_click",
		EventFormat:       "jsonschema",
		EventVersion:      "1-0-0",
		UnstructEventRaw:  []byte(`{"schema":"iglu:com.example/button_click/jsonschema/1-0-0","data":{"id":1}}`),
		ContextsRaw:       []byte(`{"schema":"iglu:com.snowplowanalytics.snowplow/contexts/jsonschema/1-0-1","data":[]}`),
	}
}

func TestParseRecord_SerializeRecord_RoundTrip(t *testing.T) {
	original := sampleEvent()
	serialized := SerializeRecord(original)

	parsed, err := ParseRecord(serialized)
	require.NoError(t, err)

	assert.Equal(t, original.AppID, parsed.AppID)
	assert.Equal(t, original.EventID, parsed.EventID)
	assert.True(t, original.ETLTstamp.Equal(parsed.ETLTstamp))
	assert.Equal(t, original.DomainSessionIDX, parsed.DomainSessionIDX)
	assert.Equal(t, *original.SeValue, *parsed.SeValue)
	assert.JSONEq(t, string(original.UnstructEventRaw), string(parsed.UnstructEventRaw))
	assert.JSONEq(t, string(original.ContextsRaw), string(parsed.ContextsRaw))
}

func TestParseRecord_WrongFieldCountIsParseError(t *testing.T) {
	_, err := ParseRecord([]byte("only\ttwo\tfields"))
	assert.Error(t, err)
}

func TestParseRecord_InvalidTimestampIsParseError(t *testing.T) {
	e := sampleEvent()
	serialized := SerializeRecord(e)
	fields := strings.Split(string(serialized), "\t")
	fields[2] = "not-a-timestamp" // etl_tstamp
	_, err := ParseRecord([]byte(strings.Join(fields, "\t")))
	assert.Error(t, err)
}

func TestParseRecord_InvalidUnstructJSONIsParseError(t *testing.T) {
	e := sampleEvent()
	e.UnstructEventRaw = []byte(`not json`)
	serialized := SerializeRecord(e)
	_, err := ParseRecord(serialized)
	assert.Error(t, err)
}

func TestParseRecord_EmptyOptionalFieldsAreZeroValues(t *testing.T) {
	e := loader.Event{AppID: "app-1", EventID: "id-1"}
	serialized := SerializeRecord(e)

	parsed, err := ParseRecord(serialized)
	require.NoError(t, err)

	assert.True(t, parsed.ETLTstamp.IsZero())
	assert.Nil(t, parsed.SeValue)
	assert.Empty(t, parsed.UnstructEventRaw)
}

func TestParseBatch_SeparatesGoodAndBad(t *testing.T) {
	good := sampleEvent()
	batch := loader.TokenedEvents{
		Payloads: [][]byte{
			SerializeRecord(good),
			[]byte("broken\trow"),
		},
	}

	parsed := ParseBatch(batch, loader.Processor{Name: "loader", Version: "test"})

	assert.Len(t, parsed.Good, 1)
	assert.Len(t, parsed.Bad, 1)
	assert.Equal(t, loader.LoaderParsingError, parsed.Bad[0].Kind)
}
