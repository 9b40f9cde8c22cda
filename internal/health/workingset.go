package health

import (
	"sort"
	"sync"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// member is one usable proxy in the working set with its selection weight.
type member struct {
	endpoint ingest.ProxyEndpoint
	rating   ingest.ProbeRating
	weight   int64
	current  int64
}

// WorkingSet is the ranked snapshot of proxies that passed their last probe.
// The slice ordering is immutable after construction; only the smooth
// weighted round-robin counters mutate, under the mutex.
type WorkingSet struct {
	mu      sync.Mutex
	members []*member
}

// BuildWorkingSet ranks probed endpoints: perfect before working, faster
// before slower, failures excluded. Weights are inverse response time so a
// 100ms proxy sees roughly five times the traffic of a 500ms one.
func BuildWorkingSet(endpoints []ingest.ProxyEndpoint, results []ingest.ProbeResult) *WorkingSet {
	byID := make(map[string]ingest.ProxyEndpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}
	var members []*member
	for _, res := range results {
		if res.Rating == ingest.ProbeFailed {
			continue
		}
		ep, ok := byID[res.EndpointID]
		if !ok {
			continue
		}
		ms := res.ResponseTimeMs
		if ms <= 0 {
			ms = 1
		}
		ep.LastResponseTimeMs = ms
		members = append(members, &member{
			endpoint: ep,
			rating:   res.Rating,
			weight:   1_000_000 / ms,
		})
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].rating != members[j].rating {
			return members[i].rating == ingest.ProbePerfect
		}
		return members[i].endpoint.LastResponseTimeMs < members[j].endpoint.LastResponseTimeMs
	})
	return &WorkingSet{members: members}
}

// Len returns the number of usable proxies.
func (w *WorkingSet) Len() int {
	if w == nil {
		return 0
	}
	return len(w.members)
}

// Ranked returns the endpoints in rank order.
func (w *WorkingSet) Ranked() []ingest.ProxyEndpoint {
	if w == nil {
		return nil
	}
	out := make([]ingest.ProxyEndpoint, 0, len(w.members))
	for _, m := range w.members {
		out = append(out, m.endpoint)
	}
	return out
}

// Pick selects the next proxy by smooth weighted round robin, skipping the
// excluded endpoint when any alternative exists. Retries pass the proxy
// that just failed as exclude, so a target-side block and a proxy-specific
// failure look different in the attempt history.
func (w *WorkingSet) Pick(exclude string) (ingest.ProxyEndpoint, bool) {
	if w == nil {
		return ingest.ProxyEndpoint{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var best *member
	var total int64
	for _, m := range w.members {
		if m.endpoint.ID == exclude && len(w.members) > 1 {
			continue
		}
		m.current += m.weight
		total += m.weight
		if best == nil || m.current > best.current {
			best = m
		}
	}
	if best == nil {
		return ingest.ProxyEndpoint{}, false
	}
	best.current -= total
	return best.endpoint, true
}
