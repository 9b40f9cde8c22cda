// Package ingest defines core types shared across the crawl subsystems.
package ingest

import (
	"net/http"
	"time"
)

// LifecycleState represents the provisioning state of a proxy endpoint.
type LifecycleState string

// Lifecycle states persisted in the endpoint registry. Terminated is final.
const (
	StateProvisioning LifecycleState = "provisioning"
	StateActive       LifecycleState = "active"
	StateUnhealthy    LifecycleState = "unhealthy"
	StateTerminated   LifecycleState = "terminated"
)

// ProxyEndpoint is the durable record of one provisioned egress proxy.
// Owned by the registry; workers only ever hold a transient reference.
type ProxyEndpoint struct {
	ID                 string         `json:"id"`
	Provider           string         `json:"provider"`
	Address            string         `json:"ip"`
	Region             string         `json:"region"`
	ProxyURL           string         `json:"proxyUrl"`
	CredentialsRef     string         `json:"-"`
	State              LifecycleState `json:"state"`
	LastTestedAt       time.Time      `json:"last_tested_at,omitzero"`
	LastResponseTimeMs int64          `json:"last_response_time_ms"`
}

// FrontierStatus is the lifecycle state of a frontier entry.
type FrontierStatus string

// Frontier entry states. Done and failed are terminal; parked entries wait
// for an adapter fix and become pending again via ResetParked.
const (
	FrontierPending FrontierStatus = "pending"
	FrontierLeased  FrontierStatus = "leased"
	FrontierParked  FrontierStatus = "parked"
	FrontierDone    FrontierStatus = "done"
	FrontierFailed  FrontierStatus = "failed"
)

// Strategy selects how a URL is fetched.
type Strategy string

// Fetch strategies. Rendered costs roughly 3-5x the latency of direct.
const (
	StrategyDirect   Strategy = "direct"
	StrategyRendered Strategy = "rendered"
)

// Classification is the classifier's verdict for one URL.
type Classification struct {
	Strategy   Strategy
	Confidence float64
	Reason     string
}

// FrontierEntry is one URL awaiting fetch, with its lease bookkeeping.
type FrontierEntry struct {
	URL            string
	CountryCode    string
	SourceID       string
	Status         FrontierStatus
	Attempts       int
	LastError      string
	Classification Strategy // pinned strategy; empty means classify at fetch time
	LeaseOwner     string
	LeaseExpiry    time.Time
	LastProxyID    string // proxy used on the most recent attempt; retries avoid it
	EnqueuedAt     time.Time
}

// ParsedFields holds the structured fields an adapter extracts from raw content.
type ParsedFields struct {
	Title    string
	Year     int
	Category string
	Body     string
	Subject  string
	Extra    map[string]string
}

// Document is one ingested legal document. SourceURL is the dedup key and is
// unique across the store; GlobalID is unique and decodable by eye.
type Document struct {
	GlobalID       string
	UUID           string
	CountryCode    string
	DocCategory    string
	DocYear        int
	YearlySequence int
	TitleFull      string
	SourceURL      string
	RawContentRef  string
	ContentHash    string
	FetchedVia     string // proxy endpoint ID, audit only
	Parsed         ParsedFields
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SequenceKey identifies one yearly allocation counter.
type SequenceKey struct {
	CountryCode string
	DocCategory string
	DocYear     int
}

// DocumentFactory builds the Document row for a freshly allocated sequence
// number. Called exactly once per new source URL, inside the store's
// allocation transaction.
type DocumentFactory func(seq int) Document

// ProbeRating classifies one health probe outcome.
type ProbeRating string

// Probe ratings. Perfect means the observed egress address matched the
// endpoint's declared address; working means the request merely succeeded.
const (
	ProbePerfect ProbeRating = "perfect"
	ProbeWorking ProbeRating = "working"
	ProbeFailed  ProbeRating = "failed"
)

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	EndpointID      string      `json:"endpoint_id"`
	Provider        string      `json:"provider"`
	Success         bool        `json:"success"`
	ResponseTimeMs  int64       `json:"response_time_ms"`
	ObservedAddress string      `json:"observed_external_address,omitempty"`
	Rating          ProbeRating `json:"rating"`
	Error           string      `json:"error,omitempty"`
}

// FetchRequest captures everything needed to fetch one frontier entry.
type FetchRequest struct {
	URL      string
	Strategy Strategy
	Proxy    ProxyEndpoint
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
	ProxyID    string
}

// FrontierStats summarizes frontier and document state for one country.
type FrontierStats struct {
	Pending    int `json:"pending"`
	Leased     int `json:"leased"`
	Parked     int `json:"parked"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Documents  int `json:"documents"`
	AddedToday int `json:"added_today"`
}

// EndpointFilter narrows registry listings.
type EndpointFilter struct {
	Provider string
	States   []LifecycleState
}

// Match reports whether the endpoint passes the filter.
func (f EndpointFilter) Match(ep ProxyEndpoint) bool {
	if f.Provider != "" && f.Provider != ep.Provider {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if ep.State == s {
			return true
		}
	}
	return false
}
