package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loader/internal/loader"
)

// tsvColumns is the positional order of the representative atomic column
// subset this repo carries (SPEC_FULL.md §11): ids, timestamps,
// vendor/name/version, and the two raw self-describing JSON blobs. Empty
// string encodes SQL NULL.
var tsvColumns = []string{
	"app_id", "platform", "etl_tstamp", "collector_tstamp", "dvce_created_tstamp",
	"event", "event_id", "txn_id", "name_tracker", "v_tracker", "v_collector", "v_etl",
	"user_id", "user_ipaddress", "user_fingerprint", "domain_userid", "domain_sessionidx",
	"network_userid", "geo_country", "geo_region", "page_url", "page_title", "page_referrer",
	"mkt_medium", "mkt_source", "mkt_campaign",
	"se_category", "se_action", "se_label", "se_property", "se_value",
	"unstruct_event", "contexts",
	"tr_urn", "derived_tstamp", "true_tstamp",
	"event_vendor", "event_name", "event_format", "event_version", "event_fingerprint",
}

const tstampLayout = "2006-01-02 15:04:05.000"

// ParseRecord parses one tab-separated payload into an Event. A column
// count mismatch or an unparseable typed field is a ParseError, never
// fatal — the caller folds it into BadRow.LoaderParsingError.
func ParseRecord(raw []byte) (loader.Event, error) {
	fields := strings.Split(string(raw), "\t")
	if len(fields) != len(tsvColumns) {
		return loader.Event{}, fmt.Errorf("expected %d tab-separated fields, got %d", len(tsvColumns), len(fields))
	}

	get := func(name string) string {
		for i, col := range tsvColumns {
			if col == name {
				return fields[i]
			}
		}
		return ""
	}

	parseTime := func(name string) (time.Time, error) {
		v := get(name)
		if v == "" {
			return time.Time{}, nil
		}
		return time.Parse(tstampLayout, v)
	}

	parseInt := func(name string) (int, error) {
		v := get(name)
		if v == "" {
			return 0, nil
		}
		return strconv.Atoi(v)
	}

	var e loader.Event
	var err error

	e.AppID = get("app_id")
	e.Platform = get("platform")
	if e.ETLTstamp, err = parseTime("etl_tstamp"); err != nil {
		return loader.Event{}, fmt.Errorf("etl_tstamp: %w", err)
	}
	if e.CollectorTstamp, err = parseTime("collector_tstamp"); err != nil {
		return loader.Event{}, fmt.Errorf("collector_tstamp: %w", err)
	}
	if e.DvceCreatedTstamp, err = parseTime("dvce_created_tstamp"); err != nil {
		return loader.Event{}, fmt.Errorf("dvce_created_tstamp: %w", err)
	}
	e.Event = get("event")
	e.EventID = get("event_id")
	e.TxnID = get("txn_id")
	e.NameTracker = get("name_tracker")
	e.VTracker = get("v_tracker")
	e.VCollector = get("v_collector")
	e.VEtl = get("v_etl")
	e.UserID = get("user_id")
	e.UserIPAddress = get("user_ipaddress")
	e.UserFingerprint = get("user_fingerprint")
	e.DomainUserID = get("domain_userid")
	if e.DomainSessionIDX, err = parseInt("domain_sessionidx"); err != nil {
		return loader.Event{}, fmt.Errorf("domain_sessionidx: %w", err)
	}
	e.NetworkUserID = get("network_userid")
	e.GeoCountry = get("geo_country")
	e.GeoRegion = get("geo_region")
	e.PageURL = get("page_url")
	e.PageTitle = get("page_title")
	e.PageReferrer = get("page_referrer")
	e.MarketingMedium = get("mkt_medium")
	e.MarketingSource = get("mkt_source")
	e.MarketingCampaign = get("mkt_campaign")
	e.SeVategory = get("se_category")
	e.SeAction = get("se_action")
	e.SeLabel = get("se_label")
	e.SeProperty = get("se_property")
	if v := get("se_value"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return loader.Event{}, fmt.Errorf("se_value: %w", err)
		}
		e.SeValue = &f
	}
	e.TrUrn = get("tr_urn")
	if e.DerivedTstamp, err = parseTime("derived_tstamp"); err != nil {
		return loader.Event{}, fmt.Errorf("derived_tstamp: %w", err)
	}
	if e.TrueTstamp, err = parseTime("true_tstamp"); err != nil {
		return loader.Event{}, fmt.Errorf("true_tstamp: %w", err)
	}
	e.EventVendor = get("event_vendor")
	e.EventName = get("event_name")
	e.EventFormat = get("event_format")
	e.EventVersion = get("event_version")
	e.EventFingerprint = get("event_fingerprint")

	if v := get("unstruct_event"); v != "" {
		if !json.Valid([]byte(v)) {
			return loader.Event{}, fmt.Errorf("unstruct_event: invalid JSON")
		}
		e.UnstructEventRaw = json.RawMessage(v)
	}
	if v := get("contexts"); v != "" {
		if !json.Valid([]byte(v)) {
			return loader.Event{}, fmt.Errorf("contexts: invalid JSON")
		}
		e.ContextsRaw = json.RawMessage(v)
	}

	return e, nil
}

// SerializeRecord renders an Event back to the tab-separated wire format,
// the inverse of ParseRecord used by the round-trip testable property in
// spec.md §8.
func SerializeRecord(e loader.Event) []byte {
	fmtTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(tstampLayout)
	}
	fmtInt := func(n int) string {
		if n == 0 {
			return ""
		}
		return strconv.Itoa(n)
	}
	fmtFloat := func(f *float64) string {
		if f == nil {
			return ""
		}
		return strconv.FormatFloat(*f, 'f', -1, 64)
	}
	fmtRaw := func(r json.RawMessage) string {
		if len(r) == 0 {
			return ""
		}
		return string(r)
	}

	values := map[string]string{
		"app_id":              e.AppID,
		"platform":            e.Platform,
		"etl_tstamp":          fmtTime(e.ETLTstamp),
		"collector_tstamp":    fmtTime(e.CollectorTstamp),
		"dvce_created_tstamp": fmtTime(e.DvceCreatedTstamp),
		"event":               e.Event,
		"event_id":            e.EventID,
		"txn_id":              e.TxnID,
		"name_tracker":        e.NameTracker,
		"v_tracker":           e.VTracker,
		"v_collector":         e.VCollector,
		"v_etl":               e.VEtl,
		"user_id":             e.UserID,
		"user_ipaddress":      e.UserIPAddress,
		"user_fingerprint":    e.UserFingerprint,
		"domain_userid":       e.DomainUserID,
		"domain_sessionidx":   fmtInt(e.DomainSessionIDX),
		"network_userid":      e.NetworkUserID,
		"geo_country":         e.GeoCountry,
		"geo_region":          e.GeoRegion,
		"page_url":            e.PageURL,
		"page_title":          e.PageTitle,
		"page_referrer":       e.PageReferrer,
		"mkt_medium":          e.MarketingMedium,
		"mkt_source":          e.MarketingSource,
		"mkt_campaign":        e.MarketingCampaign,
		"se_category":         e.SeVategory,
		"se_action":           e.SeAction,
		"se_label":            e.SeLabel,
		"se_property":         e.SeProperty,
		"se_value":            fmtFloat(e.SeValue),
		"unstruct_event":      fmtRaw(e.UnstructEventRaw),
		"contexts":            fmtRaw(e.ContextsRaw),
		"tr_urn":              e.TrUrn,
		"derived_tstamp":      fmtTime(e.DerivedTstamp),
		"true_tstamp":         fmtTime(e.TrueTstamp),
		"event_vendor":        e.EventVendor,
		"event_name":          e.EventName,
		"event_format":        e.EventFormat,
		"event_version":       e.EventVersion,
		"event_fingerprint":   e.EventFingerprint,
	}

	fields := make([]string, len(tsvColumns))
	for i, col := range tsvColumns {
		fields[i] = values[col]
	}
	return []byte(strings.Join(fields, "\t"))
}

// ParseBatch parses every payload of a TokenedEvents batch into a
// ParsedBatch: a ParseError never halts the batch, it becomes a BadRow.
func ParseBatch(batch loader.TokenedEvents, processor loader.Processor) loader.ParsedBatch {
	out := loader.ParsedBatch{Ack: batch.Ack}

	for _, payload := range batch.Payloads {
		event, err := ParseRecord(payload)
		if err != nil {
			out.Bad = append(out.Bad, loader.BadRow{
				Kind:      loader.LoaderParsingError,
				Processor: processor,
				Cause:     err.Error(),
				Payload:   payload,
			})
			continue
		}
		out.Good = append(out.Good, event)
	}

	return out
}
