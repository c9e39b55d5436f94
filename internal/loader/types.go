// Package loader defines the data model shared by every pipeline stage:
// the atomic event, bad rows, and the batch wrappers that carry a batch's
// ack token from the source through to the warehouse and back.
package loader

import (
	"encoding/json"
	"time"
)

// Token is the opaque ack handle a source attaches to a batch of payloads.
// Acking it triggers the source's own checkpoint; the loader never inspects
// its contents.
type Token interface {
	Ack() error
}

// TokenedEvents is a batch of raw, unparsed records pulled from the source,
// paired with the token that must be acked once every payload in the batch
// has been either inserted or dead-lettered.
type TokenedEvents struct {
	Payloads [][]byte
	Ack      Token
}

// Event is a single parsed analytics record: the fixed atomic columns plus
// the dynamic unstruct-event/contexts entities attached to it.
type Event struct {
	AppID            string
	Platform         string
	ETLTstamp        time.Time
	CollectorTstamp  time.Time
	DvceCreatedTstamp time.Time
	Event            string
	EventID          string
	TxnID            string
	NameTracker      string
	VTracker         string
	VCollector       string
	VEtl             string
	UserID           string
	UserIPAddress    string
	UserFingerprint  string
	DomainUserID     string
	DomainSessionIDX int
	NetworkUserID    string
	GeoCountry       string
	GeoRegion        string
	PageURL          string
	PageTitle        string
	PageReferrer     string
	MarketingMedium  string
	MarketingSource  string
	MarketingCampaign string
	SeVategory       string
	SeAction         string
	SeLabel          string
	SeProperty       string
	SeValue          *float64
	TrUrn            string
	DerivedTstamp    time.Time
	TrueTstamp       time.Time
	EventVendor      string
	EventName        string
	EventFormat      string
	EventVersion     string
	EventFingerprint string

	// Raw, not-yet-exploded self-describing JSON carried in the fixed
	// positional columns; the transform stage's caster explodes these into
	// unstruct_event_* / contexts_* columns.
	UnstructEventRaw json.RawMessage
	ContextsRaw      json.RawMessage
}

// BadRowKind tags the reason an event never made it into the warehouse.
type BadRowKind string

const (
	// LoaderParsingError marks a record that failed TSV/JSON parsing.
	LoaderParsingError BadRowKind = "iglu:com.snowplowanalytics.snowplow.badrows/loader_parsing_error/jsonschema/1-0-0"
	// LoaderRuntimeError marks a record rejected by the warehouse with a
	// data-issue vendor code, or lost to transform failure.
	LoaderRuntimeError BadRowKind = "iglu:com.snowplowanalytics.snowplow.badrows/loader_runtime_error/jsonschema/1-0-0"
)

// Processor identifies the component that produced a BadRow.
type Processor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// BadRow is a self-describing record explaining why an event was rejected.
// Payload carries the original raw bytes (or as much of the event as could
// be recovered) so the dead-letter consumer can inspect or replay it.
type BadRow struct {
	Kind      BadRowKind `json:"schema"`
	Processor Processor  `json:"processor"`
	Cause     string     `json:"cause"`
	Payload   []byte     `json:"payload"`
}

// MarshalJSON serializes a BadRow as the self-describing envelope described
// in spec.md §3: {schema, data: {processor, failure, payload}}.
func (b BadRow) MarshalJSON() ([]byte, error) {
	type data struct {
		Processor Processor       `json:"processor"`
		Failure   string          `json:"failure"`
		Payload   json.RawMessage `json:"payload"`
	}
	type envelope struct {
		Schema BadRowKind `json:"schema"`
		Data   data       `json:"data"`
	}

	payload := b.Payload
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		payload = encoded
	}

	return json.Marshal(envelope{
		Schema: b.Kind,
		Data: data{
			Processor: b.Processor,
			Failure:   b.Cause,
			Payload:   payload,
		},
	})
}

// ParsedBatch is the result of parsing every payload in a TokenedEvents
// batch. len(Good) + len(Bad) always equals the original payload count.
type ParsedBatch struct {
	Good []Event
	Bad  []BadRow
	Ack  Token
}

// EventWithTransform pairs a parsed Event with its warehouse-native column
// mapping, including the batch-stable load_tstamp.
type EventWithTransform struct {
	Event   Event
	Columns map[string]any
}

// IndexedEvent carries an EventWithTransform alongside its position in the
// originally submitted insert batch — the only mechanism by which an
// InsertFailure.Index can be mapped back to its source event.
type IndexedEvent struct {
	Index int
	EventWithTransform
}

// BatchAfterTransform tracks a batch through the insert stage. OrigBatchSize
// is fixed at creation; len(ToBeInserted)+len(BadAccumulated) never exceeds
// it, and is equal to it once the batch reaches its terminal state.
type BatchAfterTransform struct {
	ToBeInserted   []IndexedEvent
	OrigBatchSize  int
	BadAccumulated []BadRow
	Ack            Token
}

// VendorError is the single exception type the warehouse driver raises for
// a rejected row; Code is the numeric vendor code used to classify it.
type VendorError struct {
	Code    int
	Message string
}

func (e VendorError) Error() string {
	return e.Message
}

// InsertFailure reports one row the warehouse rejected from a Write call.
// Index refers into the EventWithTransform sequence of the submitted batch.
type InsertFailure struct {
	Index     int
	ExtraCols map[string]struct{}
	Cause     VendorError
}
