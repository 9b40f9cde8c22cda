// Package store implements the durable crawl state: the frontier, the
// document table, the sequence counters and the proxy endpoint records.
// Two implementations share the same semantics: Postgres for production and
// an in-memory twin for tests and dry runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// Memory is the in-memory store. All invariants of the Postgres store hold:
// at most one active lease per entry, atomic dedup+allocation, transactional
// Complete.
type Memory struct {
	mu        sync.Mutex
	frontier  map[string]*ingest.FrontierEntry // keyed by URL
	order     []string                         // enqueue order
	documents map[string]ingest.Document       // keyed by source URL
	byID      map[string]string                // globalID -> source URL
	counters  map[ingest.SequenceKey]int       // next value to allocate
	endpoints map[string]ingest.ProxyEndpoint
	epOrder   []string
	clock     ingest.Clock
	epSeq     int
}

// NewMemory constructs a Memory store.
func NewMemory(clock ingest.Clock) *Memory {
	return &Memory{
		frontier:  make(map[string]*ingest.FrontierEntry),
		documents: make(map[string]ingest.Document),
		byID:      make(map[string]string),
		counters:  make(map[ingest.SequenceKey]int),
		endpoints: make(map[string]ingest.ProxyEndpoint),
		clock:     clock,
	}
}

// Enqueue adds entries for unseen URLs and returns how many were added.
// Re-enqueueing a known URL (any status) is a no-op for that URL.
func (m *Memory) Enqueue(_ context.Context, entries []ingest.FrontierEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		if _, exists := m.frontier[e.URL]; exists {
			continue
		}
		copied := e
		copied.Status = ingest.FrontierPending
		copied.EnqueuedAt = m.clock.Now()
		m.frontier[e.URL] = &copied
		m.order = append(m.order, e.URL)
		added++
	}
	return added, nil
}

// LeaseNext claims the oldest leasable entry. An entry whose lease expired
// is eligible again; the crashed worker's claim simply lapses.
func (m *Memory) LeaseNext(_ context.Context, workerID, country string, ttl time.Duration) (*ingest.FrontierEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for _, url := range m.order {
		e := m.frontier[url]
		if country != "" && !strings.EqualFold(e.CountryCode, country) {
			continue
		}
		leasable := e.Status == ingest.FrontierPending ||
			(e.Status == ingest.FrontierLeased && !e.LeaseExpiry.After(now))
		if !leasable {
			continue
		}
		e.Status = ingest.FrontierLeased
		e.LeaseOwner = workerID
		e.LeaseExpiry = now.Add(ttl)
		snapshot := *e
		return &snapshot, nil
	}
	return nil, ingest.ErrNoPending
}

// Complete transitions the entry to done and records the document in one
// atomic step. The lease must still be held by the caller.
func (m *Memory) Complete(_ context.Context, entry *ingest.FrontierEntry, key ingest.SequenceKey, build ingest.DocumentFactory) (ingest.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.frontier[entry.URL]
	if !ok {
		return ingest.Document{}, false, fmt.Errorf("frontier entry %s not found", entry.URL)
	}
	if stored.Status != ingest.FrontierLeased || stored.LeaseOwner != entry.LeaseOwner {
		return ingest.Document{}, false, fmt.Errorf("lease on %s no longer held by %s", entry.URL, entry.LeaseOwner)
	}

	doc, isNew, err := m.assignOrLookupLocked(entry.URL, key, build)
	if err != nil {
		return ingest.Document{}, false, err
	}

	stored.Status = ingest.FrontierDone
	stored.LeaseOwner = ""
	stored.LastError = ""
	return doc, isNew, nil
}

// AssignOrLookup resolves a source URL outside of a frontier transition,
// used by re-processing paths.
func (m *Memory) AssignOrLookup(_ context.Context, sourceURL string, key ingest.SequenceKey, build ingest.DocumentFactory) (ingest.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignOrLookupLocked(sourceURL, key, build)
}

func (m *Memory) assignOrLookupLocked(sourceURL string, key ingest.SequenceKey, build ingest.DocumentFactory) (ingest.Document, bool, error) {
	if doc, exists := m.documents[sourceURL]; exists {
		return doc, false, nil
	}
	next, ok := m.counters[key]
	if !ok {
		next = 1 // counters are created lazily on first allocation
	}
	doc := build(next)
	if doc.SourceURL != sourceURL {
		return ingest.Document{}, false, fmt.Errorf("factory produced document for %s, want %s", doc.SourceURL, sourceURL)
	}
	if _, taken := m.byID[doc.GlobalID]; taken {
		return ingest.Document{}, false, fmt.Errorf("%w: %s", ingest.ErrDuplicateAllocation, doc.GlobalID)
	}
	m.counters[key] = next + 1
	m.documents[sourceURL] = doc
	m.byID[doc.GlobalID] = sourceURL
	return doc, true, nil
}

// Fail marks the entry terminally failed. Never silently dropped: failed
// entries stay visible in Stats. A caller whose lease has lapsed becomes a
// no-op so the current holder's transition wins.
func (m *Memory) Fail(_ context.Context, entry *ingest.FrontierEntry, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.frontier[entry.URL]
	if !ok {
		return fmt.Errorf("frontier entry %s not found", entry.URL)
	}
	if !m.holdsLeaseLocked(stored, entry.LeaseOwner) {
		return nil
	}
	stored.Status = ingest.FrontierFailed
	stored.Attempts++
	stored.LeaseOwner = ""
	stored.LastProxyID = entry.LastProxyID
	if cause != nil {
		stored.LastError = cause.Error()
	}
	return nil
}

// Requeue returns the entry to pending with attempts incremented, keeping
// any pinned strategy escalation from the caller. Lease-guarded like Fail.
func (m *Memory) Requeue(_ context.Context, entry *ingest.FrontierEntry, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.frontier[entry.URL]
	if !ok {
		return fmt.Errorf("frontier entry %s not found", entry.URL)
	}
	if !m.holdsLeaseLocked(stored, entry.LeaseOwner) {
		return nil
	}
	stored.Status = ingest.FrontierPending
	stored.Attempts++
	stored.LeaseOwner = ""
	stored.Classification = entry.Classification
	stored.LastProxyID = entry.LastProxyID
	if cause != nil {
		stored.LastError = cause.Error()
	}
	return nil
}

// holdsLeaseLocked reports whether owner still holds the entry's lease.
// Once another worker re-leases an expired entry, the stale owner's
// transitions must not apply.
func (m *Memory) holdsLeaseLocked(stored *ingest.FrontierEntry, owner string) bool {
	return stored.Status == ingest.FrontierLeased && stored.LeaseOwner == owner
}

// Park shelves an entry that fetches but will not parse. Parked entries are
// invisible to LeaseNext until ResetParked. Lease-guarded like Fail.
func (m *Memory) Park(_ context.Context, entry *ingest.FrontierEntry, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.frontier[entry.URL]
	if !ok {
		return fmt.Errorf("frontier entry %s not found", entry.URL)
	}
	if !m.holdsLeaseLocked(stored, entry.LeaseOwner) {
		return nil
	}
	stored.Status = ingest.FrontierParked
	stored.Attempts++
	stored.LeaseOwner = ""
	stored.Classification = entry.Classification
	if cause != nil {
		stored.LastError = cause.Error()
	}
	return nil
}

// ResetParked returns parked entries to pending with a fresh attempt budget.
func (m *Memory) ResetParked(_ context.Context, country string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for _, e := range m.frontier {
		if e.Status != ingest.FrontierParked {
			continue
		}
		if country != "" && !strings.EqualFold(e.CountryCode, country) {
			continue
		}
		e.Status = ingest.FrontierPending
		e.Attempts = 0
		reset++
	}
	return reset, nil
}

// Stats summarizes frontier and document state.
func (m *Memory) Stats(_ context.Context, country string) (ingest.FrontierStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats ingest.FrontierStats
	for _, e := range m.frontier {
		if country != "" && !strings.EqualFold(e.CountryCode, country) {
			continue
		}
		switch e.Status {
		case ingest.FrontierPending:
			stats.Pending++
		case ingest.FrontierLeased:
			stats.Leased++
		case ingest.FrontierParked:
			stats.Parked++
		case ingest.FrontierDone:
			stats.Done++
		case ingest.FrontierFailed:
			stats.Failed++
		}
	}
	today := m.clock.Now().Truncate(24 * time.Hour)
	for _, d := range m.documents {
		if country != "" && !strings.EqualFold(d.CountryCode, country) {
			continue
		}
		stats.Documents++
		if !d.CreatedAt.Before(today) {
			stats.AddedToday++
		}
	}
	return stats, nil
}

// Search does a case-insensitive substring match over titles, newest
// partition first, mirroring the Postgres ordering and default limit.
func (m *Memory) Search(_ context.Context, query, country string, limit int) ([]ingest.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	var out []ingest.Document
	for _, d := range m.documents {
		if country != "" && !strings.EqualFold(d.CountryCode, country) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(d.TitleFull), q) {
			continue
		}
		out = append(out, d)
	}
	// Order before truncating so the limit keeps the same documents the
	// SQL ORDER BY ... LIMIT would.
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocYear != out[j].DocYear {
			return out[i].DocYear > out[j].DocYear
		}
		return out[i].GlobalID < out[j].GlobalID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ForEachDocument visits every document for the country in global ID order.
func (m *Memory) ForEachDocument(_ context.Context, country string, fn func(ingest.Document) error) error {
	m.mu.Lock()
	docs := make([]ingest.Document, 0, len(m.documents))
	for _, d := range m.documents {
		if country != "" && !strings.EqualFold(d.CountryCode, country) {
			continue
		}
		docs = append(docs, d)
	}
	m.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].GlobalID < docs[j].GlobalID })
	for _, d := range docs {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// UpdateParsed amends the parsed fields after a re-normalization pass.
// Identity fields never change here.
func (m *Memory) UpdateParsed(_ context.Context, globalID string, parsed ingest.ParsedFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	url, ok := m.byID[globalID]
	if !ok {
		return fmt.Errorf("document %s not found", globalID)
	}
	doc := m.documents[url]
	doc.Parsed = parsed
	doc.TitleFull = parsed.Title
	doc.UpdatedAt = m.clock.Now()
	m.documents[url] = doc
	return nil
}

// CountsByYear reports document counts per year for one country.
func (m *Memory) CountsByYear(_ context.Context, country string) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int)
	for _, d := range m.documents {
		if country != "" && !strings.EqualFold(d.CountryCode, country) {
			continue
		}
		out[d.DocYear]++
	}
	return out, nil
}

// InsertEndpoint registers a proxy endpoint record.
func (m *Memory) InsertEndpoint(_ context.Context, ep ingest.ProxyEndpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep.ID == "" {
		m.epSeq++
		ep.ID = fmt.Sprintf("ep-%04d", m.epSeq)
	}
	if _, exists := m.endpoints[ep.ID]; exists {
		return "", fmt.Errorf("endpoint %s already registered", ep.ID)
	}
	if ep.State == "" {
		ep.State = ingest.StateProvisioning
	}
	m.endpoints[ep.ID] = ep
	m.epOrder = append(m.epOrder, ep.ID)
	return ep.ID, nil
}

// ListEndpoints returns endpoints passing the filter, in registration order.
func (m *Memory) ListEndpoints(_ context.Context, filter ingest.EndpointFilter) ([]ingest.ProxyEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ingest.ProxyEndpoint
	for _, id := range m.epOrder {
		ep := m.endpoints[id]
		if filter.Match(ep) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// UpdateEndpointState transitions an endpoint's lifecycle state.
// Terminated is final; any later transition is rejected.
func (m *Memory) UpdateEndpointState(_ context.Context, id string, state ingest.LifecycleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	if ep.State == ingest.StateTerminated && state != ingest.StateTerminated {
		return fmt.Errorf("endpoint %s is terminated", id)
	}
	ep.State = state
	m.endpoints[id] = ep
	return nil
}

// UpdateEndpointProbe records the latest probe timing for an endpoint.
func (m *Memory) UpdateEndpointProbe(_ context.Context, id string, testedAt time.Time, responseTimeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	ep.LastTestedAt = testedAt
	ep.LastResponseTimeMs = responseTimeMs
	m.endpoints[id] = ep
	return nil
}
