// Package worker runs the rate-limited fetch worker pool over the durable
// frontier: lease, fetch through a healthy proxy, normalize, persist,
// complete, with kind-aware retries in between.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jurisbase/lexcrawl/internal/health"
	"github.com/jurisbase/lexcrawl/internal/identity"
	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/metrics"
	"github.com/jurisbase/lexcrawl/internal/normalize"
	"github.com/jurisbase/lexcrawl/internal/ratelimit"
)

// Config tunes one pool run.
type Config struct {
	Concurrency int
	Country     string // empty means all countries
	Limit       int    // stop after this many completed entries; zero means unbounded
	LeaseTTL    time.Duration
	IdlePoll    time.Duration
	Drain       bool // exit once the frontier has no leasable entries
	Retry       RetryPolicy
}

// Totals summarizes one pool run.
type Totals struct {
	Done       int64
	Failed     int64
	Requeued   int64
	Parked     int64
	NewDocs    int64
	Duplicates int64
}

// Pool coordinates a fixed set of fetch workers.
type Pool struct {
	cfg        Config
	frontier   ingest.FrontierStore
	fetcher    ingest.Fetcher
	classifier ingest.Classifier
	normalizer *normalize.Normalizer
	identity   *identity.Service
	sink       ingest.RawSink
	hasher     ingest.Hasher
	proxies    *health.Monitor
	limiter    *ratelimit.Limiter
	logger     *zap.Logger

	active    atomic.Int64
	completed atomic.Int64
	totals    Totals
}

// New constructs a Pool.
func New(
	cfg Config,
	frontier ingest.FrontierStore,
	fetcher ingest.Fetcher,
	classifier ingest.Classifier,
	normalizer *normalize.Normalizer,
	ident *identity.Service,
	sink ingest.RawSink,
	hasher ingest.Hasher,
	proxies *health.Monitor,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 2 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:        cfg,
		frontier:   frontier,
		fetcher:    fetcher,
		classifier: classifier,
		normalizer: normalizer,
		identity:   ident,
		sink:       sink,
		hasher:     hasher,
		proxies:    proxies,
		limiter:    limiter,
		logger:     logger,
	}
}

// Run drives the workers until the context ends, the limit is reached, or
// (in drain mode) the frontier empties. An invariant violation aborts the
// whole run: the counters can no longer be trusted.
func (p *Pool) Run(ctx context.Context) (Totals, error) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return p.runWorker(gctx, workerID)
		})
	}
	err := g.Wait()
	if errors.Is(err, errLimitReached) || errors.Is(err, context.Canceled) {
		err = nil
	}
	totals := Totals{
		Done:       p.totals.Done,
		Failed:     p.totals.Failed,
		Requeued:   p.totals.Requeued,
		Parked:     p.totals.Parked,
		NewDocs:    p.totals.NewDocs,
		Duplicates: p.totals.Duplicates,
	}
	p.logger.Info("pool run finished",
		zap.Int64("done", totals.Done),
		zap.Int64("failed", totals.Failed),
		zap.Int64("requeued", totals.Requeued),
		zap.Int64("parked", totals.Parked),
		zap.Int64("new_documents", totals.NewDocs),
		zap.Int64("duplicates", totals.Duplicates),
		zap.Error(err),
	)
	return totals, err
}

var errLimitReached = errors.New("completion limit reached")

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.cfg.Limit > 0 && p.completed.Load() >= int64(p.cfg.Limit) {
			return errLimitReached
		}

		entry, err := p.frontier.LeaseNext(ctx, workerID, p.cfg.Country, p.cfg.LeaseTTL)
		if errors.Is(err, ingest.ErrNoPending) {
			// Drained only when every sibling is idle too: an in-flight
			// entry can still requeue work.
			if p.cfg.Drain && p.active.Load() == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.IdlePoll):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("lease next: %w", err)
		}

		p.active.Add(1)
		metrics.IncActiveWorkers()
		err = p.process(ctx, workerID, entry)
		metrics.DecActiveWorkers()
		p.active.Add(-1)

		if err != nil {
			return err
		}
	}
}

// process runs one leased entry end to end. All expected failures are
// absorbed into Fail/Requeue transitions; a returned error is fatal to the
// run.
func (p *Pool) process(ctx context.Context, workerID string, entry *ingest.FrontierEntry) error {
	strategy := entry.Classification
	reason := "pinned"
	if strategy == "" {
		cls := p.classifier.Classify(entry.URL)
		strategy = cls.Strategy
		reason = cls.Reason
	}

	proxy, ok := p.proxies.WorkingSet().Pick(entry.LastProxyID)
	if !ok {
		return p.requeue(ctx, entry, strategy,
			&ingest.FetchError{Kind: ingest.KindTransient, Err: errors.New("no working proxies")})
	}

	if err := p.limiter.Wait(ctx, proxy.ID); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-wait: leave the lease to expire.
			return nil
		}
		return p.requeue(ctx, entry, strategy, err)
	}

	entry.LastProxyID = proxy.ID
	resp, err := p.fetcher.Fetch(ctx, ingest.FetchRequest{
		URL:      entry.URL,
		Strategy: strategy,
		Proxy:    proxy,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveFetch(entry.CountryCode, string(strategy), outcome, len(resp.Body), resp.Duration)
	if err != nil {
		p.logger.Debug("fetch failed",
			zap.String("url", entry.URL),
			zap.String("proxy", proxy.ID),
			zap.Int("attempts", entry.Attempts),
			zap.Error(err),
		)
		return p.dispose(ctx, entry, strategy, err)
	}

	parsed, err := p.normalizer.Normalize(entry.SourceID, resp.Body)
	if err != nil {
		// A direct fetch that parses to garbage often means the page
		// needed scripts. Escalate to rendered once before giving up.
		if strategy == ingest.StrategyDirect && entry.Classification != ingest.StrategyRendered {
			p.logger.Info("escalating to rendered fetch",
				zap.String("url", entry.URL),
				zap.String("reason", reason),
				zap.Error(err),
			)
			return p.requeue(ctx, entry, ingest.StrategyRendered, err)
		}
		return p.dispose(ctx, entry, strategy, err)
	}

	hash, err := p.hasher.Hash(resp.Body)
	if err != nil {
		return p.dispose(ctx, entry, strategy, err)
	}
	rawRef := rawContentRef(entry.CountryCode, entry.SourceID, hash)
	if _, err := p.sink.Save(ctx, rawRef, resp.Body); err != nil {
		return p.dispose(ctx, entry, strategy, err)
	}

	key := ingest.SequenceKey{
		CountryCode: entry.CountryCode,
		DocCategory: parsed.Category,
		DocYear:     parsed.Year,
	}
	build := p.identity.Factory(entry.URL, entry.CountryCode, parsed, rawRef, hash, proxy.ID)
	doc, isNew, err := p.frontier.Complete(ctx, entry, key, build)
	if err != nil {
		if ingest.KindOf(err) == ingest.KindInvariant {
			metrics.ObserveFrontierOutcome("invariant", "invariant")
			return fmt.Errorf("identity invariant violated for %s: %w", entry.URL, err)
		}
		return p.dispose(ctx, entry, strategy, err)
	}

	p.identity.Remember(entry.URL, doc.GlobalID)
	p.completed.Add(1)
	atomic.AddInt64(&p.totals.Done, 1)
	if isNew {
		atomic.AddInt64(&p.totals.NewDocs, 1)
	} else {
		atomic.AddInt64(&p.totals.Duplicates, 1)
	}
	metrics.ObserveDocument(entry.CountryCode, isNew)
	metrics.ObserveFrontierOutcome("done", "")
	p.logger.Info("document committed",
		zap.String("worker", workerID),
		zap.String("global_id", doc.GlobalID),
		zap.String("url", entry.URL),
		zap.Bool("new", isNew),
		zap.String("strategy", string(strategy)),
	)
	return nil
}

// dispose routes a processing failure to Fail or Requeue by its kind.
func (p *Pool) dispose(ctx context.Context, entry *ingest.FrontierEntry, strategy ingest.Strategy, cause error) error {
	kind := ingest.KindOf(cause)
	attempts := entry.Attempts + 1

	if kind == ingest.KindPermanent || (kind != ingest.KindParse && p.cfg.Retry.Exhausted(attempts)) {
		if err := p.frontier.Fail(ctx, entry, cause); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		atomic.AddInt64(&p.totals.Failed, 1)
		metrics.ObserveFrontierOutcome("failed", kindLabel(kind))
		p.logger.Warn("entry failed permanently",
			zap.String("url", entry.URL),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return nil
	}
	if kind == ingest.KindParse && p.cfg.Retry.Exhausted(attempts) {
		// Parse failures past the ceiling are parked rather than
		// terminal or pending: a fixed adapter reclaims them via
		// ResetParked, and a draining run can still finish.
		entry.Classification = strategy
		if err := p.frontier.Park(ctx, entry, cause); err != nil {
			return fmt.Errorf("park: %w", err)
		}
		atomic.AddInt64(&p.totals.Parked, 1)
		metrics.ObserveFrontierOutcome("parked", kindLabel(kind))
		p.logger.Warn("entry parked after parse failures",
			zap.String("url", entry.URL),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return nil
	}
	return p.requeue(ctx, entry, strategy, cause)
}

// requeue backs off and returns the entry to pending, pinning the strategy
// so the retry does not reclassify.
func (p *Pool) requeue(ctx context.Context, entry *ingest.FrontierEntry, strategy ingest.Strategy, cause error) error {
	entry.Classification = strategy
	if err := p.frontier.Requeue(ctx, entry, cause); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	atomic.AddInt64(&p.totals.Requeued, 1)
	metrics.ObserveFrontierOutcome("requeued", kindLabel(ingest.KindOf(cause)))

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(p.cfg.Retry.Delay(entry.Attempts + 1)):
	}
	return nil
}

func kindLabel(kind ingest.ErrorKind) string {
	switch kind {
	case ingest.KindTransient:
		return "transient"
	case ingest.KindPermanent:
		return "permanent"
	case ingest.KindParse:
		return "parse"
	case ingest.KindInvariant:
		return "invariant"
	}
	return "unknown"
}

func rawContentRef(country, sourceID, hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("raw/%s/%s/%s/%s.html", strings.ToLower(country), sourceID, shard, hash)
}
