package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jurisbase/lexcrawl/internal/classifier"
	"github.com/jurisbase/lexcrawl/internal/hash/sha256"
	"github.com/jurisbase/lexcrawl/internal/health"
	"github.com/jurisbase/lexcrawl/internal/id/uuid"
	"github.com/jurisbase/lexcrawl/internal/identity"
	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/normalize"
	"github.com/jurisbase/lexcrawl/internal/ratelimit"
	"github.com/jurisbase/lexcrawl/internal/store"
	"github.com/jurisbase/lexcrawl/internal/worker"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// scriptedFetcher serves canned bodies per URL and records which proxy each
// attempt used.
type scriptedFetcher struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	errs    map[string]error
	proxies map[string][]string
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		bodies:  make(map[string][]byte),
		errs:    make(map[string]error),
		proxies: make(map[string][]string),
	}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	f.mu.Lock()
	f.proxies[req.URL] = append(f.proxies[req.URL], req.Proxy.ID)
	err := f.errs[req.URL]
	body := f.bodies[req.URL]
	f.mu.Unlock()
	if err != nil {
		return ingest.FetchResponse{URL: req.URL}, err
	}
	return ingest.FetchResponse{
		URL:        req.URL,
		StatusCode: 200,
		Body:       body,
		ProxyID:    req.Proxy.ID,
	}, nil
}

func (f *scriptedFetcher) proxiesUsed(url string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.proxies[url]...)
}

// blobSink is an in-memory RawSink.
type blobSink struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newBlobSink() *blobSink { return &blobSink{blobs: make(map[string][]byte)} }

func (s *blobSink) Save(_ context.Context, ref string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (s *blobSink) Load(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return data, nil
}

func workingSetOf(t *testing.T, ids ...string) *health.Monitor {
	t.Helper()
	endpoints := make([]ingest.ProxyEndpoint, 0, len(ids))
	for i, id := range ids {
		addr := fmt.Sprintf("10.0.0.%d", i+1)
		endpoints = append(endpoints, ingest.ProxyEndpoint{ID: id, Address: addr, ProxyURL: "http://" + addr + ":3128"})
	}
	m := health.NewWithProber(health.Config{ProbeURL: "https://echo.example"}, echoProber{}, zap.NewNop())
	results := m.Refresh(context.Background(), endpoints)
	require.Len(t, results, len(ids))
	return m
}

// echoProber reports every endpoint healthy with its declared egress address.
type echoProber struct{}

func (echoProber) Probe(_ context.Context, ep ingest.ProxyEndpoint, _ time.Duration) (string, time.Duration, error) {
	return ep.Address, 100 * time.Millisecond, nil
}

const statutePage = `<html><body>
<div class="content"><h1>Energy Transition Act of 2021</h1>
<article>Chapter 1. General provisions.</article></div>
</body></html>`

const sentinelPage = `<html><body><h1>Related Links</h1></body></html>`

type fixture struct {
	mem     *store.Memory
	fetcher *scriptedFetcher
	sink    *blobSink
	pool    *worker.Pool
}

func newFixture(t *testing.T, cfg worker.Config, proxies ...string) *fixture {
	t.Helper()
	if len(proxies) == 0 {
		proxies = []string{"ep-1"}
	}
	mem := store.NewMemory(systemClock{})
	fetcher := newScriptedFetcher()
	sink := newBlobSink()

	adapters := normalize.NewRegistry()
	adapters.Register(normalize.NewStatuteHTML("kr-statutes", "STAT"))
	normalizer := normalize.New(adapters, systemClock{}, zap.NewNop())
	ident := identity.New(mem, uuid.NewGenerator(), systemClock{})
	limiter := ratelimit.New(ratelimit.Config{PerProxyRPS: 1000})

	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = 10 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = worker.RetryPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3}
	}
	cfg.Drain = true

	pool := worker.New(cfg, mem, fetcher, classifier.New(), normalizer, ident,
		sink, sha256.New(), workingSetOf(t, proxies...), limiter, zap.NewNop())
	return &fixture{mem: mem, fetcher: fetcher, sink: sink, pool: pool}
}

func enqueue(t *testing.T, mem *store.Memory, urls ...string) {
	t.Helper()
	entries := make([]ingest.FrontierEntry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, ingest.FrontierEntry{URL: u, CountryCode: "KR", SourceID: "kr-statutes"})
	}
	_, err := mem.Enqueue(context.Background(), entries)
	require.NoError(t, err)
}

func TestPoolDrainsFrontier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 4})
	urls := make([]string, 10)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://law.example/act/%d.html", i)
		f.fetcher.bodies[urls[i]] = []byte(statutePage)
	}
	enqueue(t, f.mem, urls...)

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), totals.Done)
	assert.Equal(t, int64(10), totals.NewDocs)
	assert.Zero(t, totals.Failed)

	stats, err := f.mem.Stats(context.Background(), "KR")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Done)
	assert.Equal(t, 10, stats.Documents)
	assert.Zero(t, stats.Pending)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 1})
	url := "https://law.example/gone.html"
	f.fetcher.errs[url] = &ingest.FetchError{Kind: ingest.KindPermanent, StatusCode: 404, Err: errors.New("not found")}
	enqueue(t, f.mem, url)

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Failed)
	assert.Len(t, f.fetcher.proxiesUsed(url), 1)

	stats, err := f.mem.Stats(context.Background(), "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestTransientErrorRetriesUntilCeiling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 1}, "ep-1", "ep-2")
	url := "https://law.example/flaky.html"
	f.fetcher.errs[url] = &ingest.FetchError{Kind: ingest.KindTransient, StatusCode: 503, Err: errors.New("overloaded")}
	enqueue(t, f.mem, url)

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Failed)

	used := f.fetcher.proxiesUsed(url)
	assert.Len(t, used, 3) // MaxAttempts
	// Consecutive retries avoid the proxy that just failed.
	for i := 1; i < len(used); i++ {
		assert.NotEqual(t, used[i-1], used[i], "attempt %d reused proxy %s", i, used[i])
	}
}

func TestDirectParseFailureEscalatesThenParks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 1})
	url := "https://law.example/spa-act.html"
	// A navigation shell: every fetch succeeds but parses to a sentinel
	// title, direct and rendered alike.
	f.fetcher.bodies[url] = []byte(sentinelPage)
	enqueue(t, f.mem, url)

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, totals.Done)
	assert.Zero(t, totals.Failed)
	assert.Equal(t, int64(1), totals.Parked)
	// Direct attempt, escalation to rendered, one rendered retry.
	assert.Len(t, f.fetcher.proxiesUsed(url), 3)

	stats, err := f.mem.Stats(context.Background(), "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)
	assert.Zero(t, stats.Pending)
}

func TestParkedEntrySucceedsAfterReset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 1})
	url := "https://law.example/spa-act.html"
	f.fetcher.bodies[url] = []byte(sentinelPage)
	enqueue(t, f.mem, url)

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Parked)

	// Adapter fixed, content now extractable: reset and rerun.
	f.fetcher.mu.Lock()
	f.fetcher.bodies[url] = []byte(statutePage)
	f.fetcher.mu.Unlock()
	reset, err := f.mem.ResetParked(context.Background(), "KR")
	require.NoError(t, err)
	require.Equal(t, 1, reset)

	totals, err = f.pool.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Done)
	assert.Equal(t, int64(1), totals.NewDocs)

	stats, err := f.mem.Stats(context.Background(), "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Zero(t, stats.Parked)
	assert.Equal(t, 1, stats.Documents)
}

func TestDuplicateURLYieldsOneDocument(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 2})
	url := "https://law.example/act/1.html"
	f.fetcher.bodies[url] = []byte(statutePage)
	enqueue(t, f.mem, url)

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Done)

	// The URL shows up again in a later seed list; the frontier dedups it.
	added, err := f.mem.Enqueue(context.Background(), []ingest.FrontierEntry{
		{URL: url, CountryCode: "KR", SourceID: "kr-statutes"},
	})
	require.NoError(t, err)
	assert.Zero(t, added)

	docs, err := f.mem.Search(context.Background(), "", "KR", 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestLimitStopsTheRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, worker.Config{Concurrency: 2, Limit: 3})
	for i := 0; i < 10; i++ {
		url := fmt.Sprintf("https://law.example/act/%d.html", i)
		f.fetcher.bodies[url] = []byte(statutePage)
		enqueue(t, f.mem, url)
	}

	totals, err := f.pool.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, totals.Done, int64(3))
	assert.Less(t, totals.Done, int64(10))
}

func TestRetryDelayGrowsAndStaysBounded(t *testing.T) {
	t.Parallel()
	p := worker.RetryPolicy{Initial: time.Second, Max: 10 * time.Second, MaxAttempts: 8}

	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 100; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, 15*time.Second, "attempt %d", attempt)
		}
	}
	assert.False(t, p.Exhausted(7))
	assert.True(t, p.Exhausted(8))
}
