package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisbase/lexcrawl/internal/identity"
	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/store"
)

// stepClock is a manually advanced clock.
type stepClock struct{ at time.Time }

func (c *stepClock) Now() time.Time          { return c.at }
func (c *stepClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func newMemory() (*store.Memory, *stepClock) {
	clk := &stepClock{at: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return store.NewMemory(clk), clk
}

func entry(url string) ingest.FrontierEntry {
	return ingest.FrontierEntry{URL: url, CountryCode: "KR", SourceID: "kr-statutes"}
}

func buildFor(url string) ingest.DocumentFactory {
	return func(seq int) ingest.Document {
		return ingest.Document{
			GlobalID:       identity.ComposeGlobalID("KR", "STAT", 2021, seq),
			SourceURL:      url,
			CountryCode:    "KR",
			DocCategory:    "STAT",
			DocYear:        2021,
			YearlySequence: seq,
			TitleFull:      "Some Act",
		}
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()
	mem, _ := newMemory()
	ctx := context.Background()

	added, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a"), entry("https://b")})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	// Same URLs again, plus one new.
	added, err = mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a"), entry("https://c")})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	stats, err := mem.Stats(ctx, "KR")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
}

func TestLeaseIsExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()
	mem, clk := newMemory()
	ctx := context.Background()
	ttl := 2 * time.Minute

	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a")})
	require.NoError(t, err)

	leased, err := mem.LeaseNext(ctx, "w1", "KR", ttl)
	require.NoError(t, err)
	assert.Equal(t, "https://a", leased.URL)
	assert.Equal(t, "w1", leased.LeaseOwner)

	// A second worker sees nothing while the lease holds.
	_, err = mem.LeaseNext(ctx, "w2", "KR", ttl)
	assert.ErrorIs(t, err, ingest.ErrNoPending)

	// One second before expiry: still held.
	clk.Advance(ttl - time.Second)
	_, err = mem.LeaseNext(ctx, "w2", "KR", ttl)
	assert.ErrorIs(t, err, ingest.ErrNoPending)

	// At expiry the claim lapses and w2 may take over.
	clk.Advance(time.Second)
	taken, err := mem.LeaseNext(ctx, "w2", "KR", ttl)
	require.NoError(t, err)
	assert.Equal(t, "w2", taken.LeaseOwner)
}

func TestCompleteRequiresHeldLease(t *testing.T) {
	t.Parallel()
	mem, clk := newMemory()
	ctx := context.Background()
	ttl := time.Minute

	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a")})
	require.NoError(t, err)

	stale, err := mem.LeaseNext(ctx, "w1", "KR", ttl)
	require.NoError(t, err)

	// w1's lease expires and w2 claims the entry.
	clk.Advance(ttl)
	_, err = mem.LeaseNext(ctx, "w2", "KR", ttl)
	require.NoError(t, err)

	// The stale holder must not complete.
	key := ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: 2021}
	_, _, err = mem.Complete(ctx, stale, key, buildFor("https://a"))
	assert.Error(t, err)
}

func TestCompleteIsIdempotentAcrossCrashes(t *testing.T) {
	t.Parallel()
	mem, clk := newMemory()
	ctx := context.Background()
	ttl := time.Minute
	key := ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: 2021}

	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a")})
	require.NoError(t, err)

	// First worker fetches and completes.
	leased, err := mem.LeaseNext(ctx, "w1", "KR", ttl)
	require.NoError(t, err)
	doc1, isNew, err := mem.Complete(ctx, leased, key, buildFor("https://a"))
	require.NoError(t, err)
	assert.True(t, isNew)

	// Simulate the same URL turning up again (say via a second seed list);
	// the allocation must return the existing document.
	doc2, isNew, err := mem.AssignOrLookup(ctx, "https://a", key, buildFor("https://a"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, doc1.GlobalID, doc2.GlobalID)

	clk.Advance(time.Second)
	stats, err := mem.Stats(ctx, "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 1, stats.Documents)
}

func TestRequeueKeepsPinnedStrategyAndProxy(t *testing.T) {
	t.Parallel()
	mem, _ := newMemory()
	ctx := context.Background()

	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a")})
	require.NoError(t, err)

	leased, err := mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	require.NoError(t, err)

	leased.Classification = ingest.StrategyRendered
	leased.LastProxyID = "ep-0007"
	require.NoError(t, mem.Requeue(ctx, leased, errors.New("needs scripts")))

	again, err := mem.LeaseNext(ctx, "w2", "KR", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ingest.StrategyRendered, again.Classification)
	assert.Equal(t, "ep-0007", again.LastProxyID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "needs scripts", again.LastError)
}

func TestFailIsTerminalButVisible(t *testing.T) {
	t.Parallel()
	mem, _ := newMemory()
	ctx := context.Background()

	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a")})
	require.NoError(t, err)

	leased, err := mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	require.NoError(t, err)
	require.NoError(t, mem.Fail(ctx, leased, errors.New("404")))

	_, err = mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	assert.ErrorIs(t, err, ingest.ErrNoPending)

	stats, err := mem.Stats(ctx, "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestLeaseNextFiltersByCountry(t *testing.T) {
	t.Parallel()
	mem, _ := newMemory()
	ctx := context.Background()

	vn := entry("https://vn")
	vn.CountryCode = "VN"
	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{vn, entry("https://kr")})
	require.NoError(t, err)

	got, err := mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://kr", got.URL)

	// Empty country matches everything.
	got, err = mem.LeaseNext(ctx, "w1", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://vn", got.URL)
}

func TestParkHidesEntryUntilReset(t *testing.T) {
	t.Parallel()
	mem, _ := newMemory()
	ctx := context.Background()

	vn := entry("https://vn")
	vn.CountryCode = "VN"
	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://kr"), vn})
	require.NoError(t, err)

	leased, err := mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	require.NoError(t, err)
	leased.Classification = ingest.StrategyRendered
	require.NoError(t, mem.Park(ctx, leased, errors.New("sentinel title")))

	_, err = mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	assert.ErrorIs(t, err, ingest.ErrNoPending)

	stats, err := mem.Stats(ctx, "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)

	// Country-scoped reset leaves the other frontier alone.
	reset, err := mem.ResetParked(ctx, "VN")
	require.NoError(t, err)
	assert.Zero(t, reset)

	reset, err = mem.ResetParked(ctx, "KR")
	require.NoError(t, err)
	require.Equal(t, 1, reset)

	again, err := mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://kr", again.URL)
	assert.Zero(t, again.Attempts)
	assert.Equal(t, ingest.StrategyRendered, again.Classification)
}

func TestStaleWorkerCannotBreakLeaseExclusivity(t *testing.T) {
	t.Parallel()
	mem, clk := newMemory()
	ctx := context.Background()

	_, err := mem.Enqueue(ctx, []ingest.FrontierEntry{entry("https://a")})
	require.NoError(t, err)

	stale, err := mem.LeaseNext(ctx, "w1", "KR", time.Minute)
	require.NoError(t, err)

	// w1's lease lapses and w2 claims the entry.
	clk.Advance(2 * time.Minute)
	_, err = mem.LeaseNext(ctx, "w2", "KR", time.Minute)
	require.NoError(t, err)

	// w1 comes back from a slow fetch. None of its transitions may apply
	// while w2 holds the lease.
	require.NoError(t, mem.Requeue(ctx, stale, errors.New("slow fetch")))
	require.NoError(t, mem.Fail(ctx, stale, errors.New("slow fetch")))
	require.NoError(t, mem.Park(ctx, stale, errors.New("slow fetch")))

	_, err = mem.LeaseNext(ctx, "w3", "KR", time.Minute)
	assert.ErrorIs(t, err, ingest.ErrNoPending)

	stats, err := mem.Stats(ctx, "KR")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Leased)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Parked)
}

func TestSearchOrdersBeforeLimiting(t *testing.T) {
	t.Parallel()
	mem, _ := newMemory()
	ctx := context.Background()

	for _, doc := range []struct {
		url  string
		year int
		seq  int
	}{
		{"https://a", 2019, 1},
		{"https://b", 2022, 1},
		{"https://c", 2020, 1},
		{"https://d", 2022, 2},
	} {
		doc := doc
		_, _, err := mem.AssignOrLookup(ctx, doc.url,
			ingest.SequenceKey{CountryCode: "KR", DocCategory: "STAT", DocYear: doc.year},
			func(seq int) ingest.Document {
				return ingest.Document{
					GlobalID:       identity.ComposeGlobalID("KR", "STAT", doc.year, seq),
					SourceURL:      doc.url,
					CountryCode:    "KR",
					DocCategory:    "STAT",
					DocYear:        doc.year,
					YearlySequence: seq,
					TitleFull:      "Some Act",
				}
			})
		require.NoError(t, err)
	}

	// The limit must apply after ordering, so the same newest documents
	// survive on every call.
	for i := 0; i < 20; i++ {
		docs, err := mem.Search(ctx, "act", "KR", 2)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "KR-STAT-2022-00001", docs[0].GlobalID)
		assert.Equal(t, "KR-STAT-2022-00002", docs[1].GlobalID)
	}
}
