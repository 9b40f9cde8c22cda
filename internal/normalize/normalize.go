// Package normalize turns raw fetched content into structured document
// fields. Field extraction itself lives in per-source adapters; this
// package owns only the orchestration: adapter lookup, validation that a
// parse did not silently produce a known-bad value, and the retroactive
// re-normalization path over stored raw content.
package normalize

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// Adapter extracts structured fields from one source's raw content.
type Adapter interface {
	SourceID() string
	Extract(raw []byte) (ingest.ParsedFields, error)
}

// defaultSentinels are navigation labels observed to leak into title
// extraction when upstream markup shifts.
var defaultSentinels = []string{
	"related links",
	"home",
	"menu",
	"skip to content",
	"search results",
	"untitled",
}

// Registry maps source IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one for its source.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SourceID()] = a
}

// Lookup returns the adapter for a source ID.
func (r *Registry) Lookup(sourceID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceID]
	return a, ok
}

// Normalizer validates adapter output and drives re-normalization.
type Normalizer struct {
	registry *Registry
	clock    ingest.Clock
	logger   *zap.Logger
}

// New constructs a Normalizer.
func New(registry *Registry, clock ingest.Clock, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{registry: registry, clock: clock, logger: logger}
}

// Normalize runs the source's adapter and validates the result. A sentinel
// or empty title and an implausible year are recoverable parse failures,
// not fatal errors: the entry goes back to pending for an adapter fix.
func (n *Normalizer) Normalize(sourceID string, raw []byte) (ingest.ParsedFields, error) {
	adapter, ok := n.registry.Lookup(sourceID)
	if !ok {
		return ingest.ParsedFields{}, fmt.Errorf("no adapter registered for source %s", sourceID)
	}
	parsed, err := adapter.Extract(raw)
	if err != nil {
		return ingest.ParsedFields{}, &ingest.ParseError{Field: "document", Reason: err.Error()}
	}
	if err := n.validate(parsed); err != nil {
		return ingest.ParsedFields{}, err
	}
	return parsed, nil
}

func (n *Normalizer) validate(parsed ingest.ParsedFields) error {
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return &ingest.ParseError{Field: "title", Reason: "empty"}
	}
	lower := strings.ToLower(title)
	for _, sentinel := range defaultSentinels {
		if lower == sentinel {
			return &ingest.ParseError{Field: "title", Reason: fmt.Sprintf("sentinel value %q", title)}
		}
	}
	if parsed.Year != 0 && !plausibleYear(parsed.Year, n.clock.Now()) {
		return &ingest.ParseError{Field: "year", Reason: fmt.Sprintf("implausible year %d", parsed.Year)}
	}
	return nil
}

func plausibleYear(year int, now time.Time) bool {
	return year >= 1850 && year <= now.Year()+1
}

// RenormalizeResult summarizes one retroactive pass.
type RenormalizeResult struct {
	Visited int
	Updated int
	Failed  int
}

// Renormalize re-runs adapters over stored raw content, applying extraction
// rule fixes without re-fetching. Documents whose re-parse still fails are
// counted and logged but never modified.
func (n *Normalizer) Renormalize(ctx context.Context, docs ingest.DocumentStore, sink ingest.RawSink, country string) (RenormalizeResult, error) {
	var res RenormalizeResult
	err := docs.ForEachDocument(ctx, country, func(doc ingest.Document) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Visited++
		raw, err := sink.Load(ctx, doc.RawContentRef)
		if err != nil {
			res.Failed++
			n.logger.Warn("raw content unavailable",
				zap.String("global_id", doc.GlobalID),
				zap.Error(err),
			)
			return nil
		}
		parsed, err := n.Normalize(adapterSource(doc), raw)
		if err != nil {
			res.Failed++
			n.logger.Warn("re-parse failed",
				zap.String("global_id", doc.GlobalID),
				zap.Error(err),
			)
			return nil
		}
		if parsedEqual(parsed, doc.Parsed) {
			return nil
		}
		// Identity never changes here; only the extracted fields do.
		parsed.Category = doc.DocCategory
		parsed.Year = doc.DocYear
		if err := docs.UpdateParsed(ctx, doc.GlobalID, parsed); err != nil {
			return fmt.Errorf("update %s: %w", doc.GlobalID, err)
		}
		res.Updated++
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func parsedEqual(a, b ingest.ParsedFields) bool {
	return a.Title == b.Title &&
		a.Year == b.Year &&
		a.Category == b.Category &&
		a.Body == b.Body &&
		a.Subject == b.Subject &&
		maps.Equal(a.Extra, b.Extra)
}

func adapterSource(doc ingest.Document) string {
	if src, ok := doc.Parsed.Extra["source_id"]; ok {
		return src
	}
	// Older rows predate the source_id extra; fall back to the country's
	// conventional adapter name.
	return strings.ToLower(doc.CountryCode) + "-statutes"
}
