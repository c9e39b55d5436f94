// Package transform implements the Transform stage of spec.md §4.H:
// parsing a TSV payload into an Event, casting it to warehouse-native
// column values via an external collaborator, and stamping load_tstamp
// once per batch.
package transform

import (
	"context"
	"fmt"
	"regexp"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"loader/internal/loader"
)

// Transformer is the external collaborator that casts an Event's fixed
// columns to warehouse-native values and projects its unstruct-event and
// contexts entities into column names/values. It is out of scope per
// spec.md §1 — only its contract is specified here.
type Transformer interface {
	Transform(ctx context.Context, event loader.Event) (map[string]any, error)
}

// SchemaFilter decides whether a self-describing schema URI should be
// dropped before column projection, per the skipSchemas config of
// spec.md §6.
type SchemaFilter interface {
	Skip(igluURI string) bool
}

// Stage runs Transformer over every good event of a ParsedBatch.
type Stage struct {
	transformer Transformer
	filter      SchemaFilter
	processor   loader.Processor
	now         func() time.Time
}

// New builds a transform Stage.
func New(transformer Transformer, filter SchemaFilter, processor loader.Processor) *Stage {
	return &Stage{transformer: transformer, filter: filter, processor: processor, now: time.Now}
}

// Run transforms every event in batch.Good, carrying batch.Bad forward
// unchanged and appending any new transform failures to it. load_tstamp is
// captured once, here, so repeated insert attempts against the same batch
// observe an identical value (spec.md §9, "Load-tstamp stability").
func (s *Stage) Run(ctx context.Context, batch loader.ParsedBatch) loader.BatchAfterTransform {
	loadTstamp := s.now()
	origSize := len(batch.Good) + len(batch.Bad)

	out := loader.BatchAfterTransform{
		OrigBatchSize:  origSize,
		BadAccumulated: append([]loader.BadRow(nil), batch.Bad...),
		Ack:            batch.Ack,
	}

	for i, event := range batch.Good {
		columns, err := s.transformer.Transform(ctx, event)
		if err != nil {
			out.BadAccumulated = append(out.BadAccumulated, loader.BadRow{
				Kind:      loader.LoaderRuntimeError,
				Processor: s.processor,
				Cause:     fmt.Sprintf("transform failed: %v", err),
				Payload:   []byte(event.EventID),
			})
			continue
		}

		columns["load_tstamp"] = loadTstamp
		out.ToBeInserted = append(out.ToBeInserted, loader.IndexedEvent{
			Index: i,
			EventWithTransform: loader.EventWithTransform{
				Event:   event,
				Columns: columns,
			},
		})
	}

	return out
}

// iglu matches a self-describing schema URI:
// iglu:vendor/name/format/major-minor-patch, with optional '*' wildcards
// in the version triple.
var iglu = regexp.MustCompile(`^iglu:([^/]+)/([^/]+)/([^/]+)/(\d+|\*)-(\d+|\*)-(\d+|\*)$`)

// skipDecisionCacheSize bounds the LRU cache of per-URI skip decisions.
// The set of distinct schema URIs flowing through a stream is small and
// recurs constantly; caching avoids re-running every configured wildcard
// pattern against the same URI on every event.
const skipDecisionCacheSize = 4096

// WildcardSkipSchemas is the SchemaFilter implementation backed by a list
// of Iglu URI patterns with wildcard major-minor-patch matching, per
// spec.md §6's skipSchemas config.
type WildcardSkipSchemas struct {
	patterns []*regexp.Regexp
	decided  *lru.Cache[string, bool]
}

// NewWildcardSkipSchemas compiles each configured pattern into a matcher.
func NewWildcardSkipSchemas(patterns []string) (*WildcardSkipSchemas, error) {
	cache, err := lru.New[string, bool](skipDecisionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("skipSchemas decision cache: %w", err)
	}

	w := &WildcardSkipSchemas{decided: cache}
	for _, p := range patterns {
		re, err := compileIgluPattern(p)
		if err != nil {
			return nil, fmt.Errorf("skipSchemas pattern %q: %w", p, err)
		}
		w.patterns = append(w.patterns, re)
	}
	return w, nil
}

func compileIgluPattern(pattern string) (*regexp.Regexp, error) {
	m := iglu.FindStringSubmatch(pattern)
	if m == nil {
		return nil, fmt.Errorf("not a valid iglu URI pattern")
	}
	vendor, name, format := regexp.QuoteMeta(m[1]), regexp.QuoteMeta(m[2]), regexp.QuoteMeta(m[3])
	major, minor, patch := wildcardOrLiteral(m[4]), wildcardOrLiteral(m[5]), wildcardOrLiteral(m[6])
	expr := fmt.Sprintf(`^iglu:%s/%s/%s/%s-%s-%s$`, vendor, name, format, major, minor, patch)
	return regexp.Compile(expr)
}

func wildcardOrLiteral(s string) string {
	if s == "*" {
		return `\d+`
	}
	return regexp.QuoteMeta(s)
}

// Skip reports whether igluURI matches any configured skip pattern.
func (w *WildcardSkipSchemas) Skip(igluURI string) bool {
	if cached, ok := w.decided.Get(igluURI); ok {
		return cached
	}

	skip := false
	for _, re := range w.patterns {
		if re.MatchString(igluURI) {
			skip = true
			break
		}
	}

	w.decided.Add(igluURI, skip)
	return skip
}
