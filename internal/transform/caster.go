package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"loader/internal/loader"
)

// selfDescribing is the Iglu self-describing JSON envelope carried in
// the raw unstruct_event/contexts TSV fields (SPEC_FULL.md §11).
type selfDescribing struct {
	Schema string          `json:"schema"`
	Data   json.RawMessage `json:"data"`
}

var schemaRef = regexp.MustCompile(`^iglu:([^/]+)/([^/]+)/jsonschema/(\d+)-\d+-\d+$`)

// columnSuffix turns a vendor/name/major triple into the column-naming
// convention spec.md §9 calls load-bearing: non-alphanumeric characters
// (dots in a reverse-domain vendor, dashes) become underscores.
func columnSuffix(vendor, name string, major string) string {
	clean := func(s string) string {
		return nonWord.ReplaceAllString(s, "_")
	}
	return fmt.Sprintf("%s_%s_%s", clean(vendor), clean(name), major)
}

var nonWord = regexp.MustCompile(`[^A-Za-z0-9]+`)

// DefaultCaster is the Transformer implementation: it casts an Event's
// fixed columns to their warehouse-native values and explodes its
// unstruct_event/contexts JSON blobs into one OBJECT/ARRAY column per
// self-describing schema major version, applying the skipSchemas filter
// (spec.md §6) before projection.
type DefaultCaster struct {
	filter SchemaFilter
}

// NewDefaultCaster builds a DefaultCaster. A nil filter skips nothing.
func NewDefaultCaster(filter SchemaFilter) *DefaultCaster {
	return &DefaultCaster{filter: filter}
}

// Transform implements Transformer.
func (c *DefaultCaster) Transform(ctx context.Context, event loader.Event) (map[string]any, error) {
	columns := map[string]any{
		"app_id":              event.AppID,
		"platform":            event.Platform,
		"etl_tstamp":          event.ETLTstamp,
		"collector_tstamp":    event.CollectorTstamp,
		"dvce_created_tstamp": event.DvceCreatedTstamp,
		"event":               event.Event,
		"event_id":            event.EventID,
		"txn_id":              event.TxnID,
		"name_tracker":        event.NameTracker,
		"v_tracker":           event.VTracker,
		"v_collector":         event.VCollector,
		"v_etl":               event.VEtl,
		"user_id":             event.UserID,
		"user_ipaddress":      event.UserIPAddress,
		"user_fingerprint":    event.UserFingerprint,
		"domain_userid":       event.DomainUserID,
		"domain_sessionidx":   event.DomainSessionIDX,
		"network_userid":      event.NetworkUserID,
		"geo_country":         event.GeoCountry,
		"geo_region":          event.GeoRegion,
		"page_url":            event.PageURL,
		"page_title":          event.PageTitle,
		"page_referrer":       event.PageReferrer,
		"mkt_medium":          event.MarketingMedium,
		"mkt_source":          event.MarketingSource,
		"mkt_campaign":        event.MarketingCampaign,
		"se_category":         event.SeVategory,
		"se_action":           event.SeAction,
		"se_label":            event.SeLabel,
		"se_property":         event.SeProperty,
		"se_value":            event.SeValue,
		"tr_urn":              event.TrUrn,
		"derived_tstamp":      event.DerivedTstamp,
		"true_tstamp":         event.TrueTstamp,
		"event_vendor":        event.EventVendor,
		"event_name":          event.EventName,
		"event_format":        event.EventFormat,
		"event_version":       event.EventVersion,
		"event_fingerprint":   event.EventFingerprint,
	}

	if len(event.UnstructEventRaw) > 0 {
		name, value, err := c.projectUnstruct(event.UnstructEventRaw)
		if err != nil {
			return nil, fmt.Errorf("unstruct_event: %w", err)
		}
		if name != "" {
			columns[name] = value
		}
	}

	if len(event.ContextsRaw) > 0 {
		entries, err := c.projectContexts(event.ContextsRaw)
		if err != nil {
			return nil, fmt.Errorf("contexts: %w", err)
		}
		for name, values := range entries {
			columns[name] = values
		}
	}

	return columns, nil
}

func (c *DefaultCaster) projectUnstruct(raw json.RawMessage) (string, any, error) {
	var envelope selfDescribing
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, fmt.Errorf("invalid self-describing JSON: %w", err)
	}
	if c.filter != nil && c.filter.Skip(envelope.Schema) {
		return "", nil, nil
	}

	m := schemaRef.FindStringSubmatch(envelope.Schema)
	if m == nil {
		return "", nil, fmt.Errorf("unrecognized schema URI %q", envelope.Schema)
	}

	var data any
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return "", nil, fmt.Errorf("decode data: %w", err)
	}

	name := "unstruct_event_" + columnSuffix(m[1], m[2], m[3])
	return name, data, nil
}

func (c *DefaultCaster) projectContexts(raw json.RawMessage) (map[string]any, error) {
	var envelope struct {
		Data []selfDescribing `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("invalid contexts envelope: %w", err)
	}

	out := map[string][]any{}
	for _, entity := range envelope.Data {
		if c.filter != nil && c.filter.Skip(entity.Schema) {
			continue
		}

		m := schemaRef.FindStringSubmatch(entity.Schema)
		if m == nil {
			return nil, fmt.Errorf("unrecognized schema URI %q", entity.Schema)
		}

		var data any
		if err := json.Unmarshal(entity.Data, &data); err != nil {
			return nil, fmt.Errorf("decode entity data: %w", err)
		}

		name := "contexts_" + columnSuffix(m[1], m[2], m[3])
		out[name] = append(out[name], data)
	}

	result := make(map[string]any, len(out))
	for name, values := range out {
		result[name] = values
	}
	return result, nil
}
