package ingest

import (
	"context"
	"time"
)

// Fetcher fetches a URL through a specific proxy and returns the body plus
// metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Classifier maps a URL to a fetch strategy. Pure and deterministic.
type Classifier interface {
	Classify(url string) Classification
}

// FrontierStore is the durable crawl frontier. Complete is the single
// transactional boundary: the entry's transition to done and the document
// insert happen together or not at all.
type FrontierStore interface {
	Enqueue(ctx context.Context, entries []FrontierEntry) (int, error)
	// LeaseNext claims the next pending (or lease-expired) entry for the
	// country, or ErrNoPending. An empty country matches all countries.
	LeaseNext(ctx context.Context, workerID, country string, ttl time.Duration) (*FrontierEntry, error)
	Complete(ctx context.Context, entry *FrontierEntry, key SequenceKey, build DocumentFactory) (Document, bool, error)
	Fail(ctx context.Context, entry *FrontierEntry, cause error) error
	Requeue(ctx context.Context, entry *FrontierEntry, cause error) error
	// Park shelves an entry whose content fetches fine but will not parse;
	// parked entries are not leasable until ResetParked runs after an
	// adapter fix.
	Park(ctx context.Context, entry *FrontierEntry, cause error) error
	ResetParked(ctx context.Context, country string) (int, error)
	Stats(ctx context.Context, country string) (FrontierStats, error)
}

// DocumentStore reads and amends persisted documents.
type DocumentStore interface {
	// AssignOrLookup resolves sourceURL to its document, allocating a new
	// sequence number and inserting via build only if the URL is unseen.
	// The dedup check and the allocation are one atomic unit.
	AssignOrLookup(ctx context.Context, sourceURL string, key SequenceKey, build DocumentFactory) (Document, bool, error)
	Search(ctx context.Context, query, country string, limit int) ([]Document, error)
	ForEachDocument(ctx context.Context, country string, fn func(Document) error) error
	UpdateParsed(ctx context.Context, globalID string, parsed ParsedFields) error
	CountsByYear(ctx context.Context, country string) (map[int]int, error)
}

// EndpointStore persists proxy endpoint records for the registry.
type EndpointStore interface {
	InsertEndpoint(ctx context.Context, ep ProxyEndpoint) (string, error)
	ListEndpoints(ctx context.Context, filter EndpointFilter) ([]ProxyEndpoint, error)
	UpdateEndpointState(ctx context.Context, id string, state LifecycleState) error
	UpdateEndpointProbe(ctx context.Context, id string, testedAt time.Time, responseTimeMs int64) error
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for raw-content integrity and dedup of blobs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// RawSink persists raw fetched content and serves it back for retroactive
// re-normalization.
type RawSink interface {
	Save(ctx context.Context, ref string, data []byte) (string, error)
	Load(ctx context.Context, ref string) ([]byte, error)
}
