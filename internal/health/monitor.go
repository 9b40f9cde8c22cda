// Package health probes proxy endpoints and maintains the ranked working
// set the fetch workers lease from.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/metrics"
)

// Prober performs one probe through one endpoint. Implemented by
// httpProber in production and fakes in tests.
type Prober interface {
	Probe(ctx context.Context, ep ingest.ProxyEndpoint, timeout time.Duration) (observedAddress string, elapsed time.Duration, err error)
}

// Config controls the monitor.
type Config struct {
	ProbeURL    string
	Timeout     time.Duration
	MaxInFlight int
}

// Monitor probes endpoints and publishes working-set snapshots. The
// snapshot is copy-on-refresh: workers read an immutable value while
// refresh swaps the pointer.
type Monitor struct {
	cfg      Config
	prober   Prober
	logger   *zap.Logger
	snapshot atomic.Pointer[WorkingSet]
}

// New constructs a Monitor with the default HTTP prober.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	m := &Monitor{
		cfg:    cfg,
		prober: &httpProber{probeURL: cfg.ProbeURL},
		logger: logger,
	}
	m.snapshot.Store(&WorkingSet{})
	return m
}

// NewWithProber constructs a Monitor with an injected prober (tests).
func NewWithProber(cfg Config, prober Prober, logger *zap.Logger) *Monitor {
	m := New(cfg, logger)
	m.prober = prober
	return m
}

// ProbeAll probes every candidate concurrently, bounded by MaxInFlight so
// the probes themselves never trip the targets' throttling.
func (m *Monitor) ProbeAll(ctx context.Context, endpoints []ingest.ProxyEndpoint, timeout time.Duration) []ingest.ProbeResult {
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	results := make([]ingest.ProbeResult, len(endpoints))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxInFlight)
	for i, ep := range endpoints {
		g.Go(func() error {
			res := m.probeOne(gctx, ep, timeout)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-endpoint errors land in the results, never abort the sweep

	for _, res := range results {
		metrics.ObserveProbe(res.Provider, string(res.Rating))
	}
	return results
}

func (m *Monitor) probeOne(ctx context.Context, ep ingest.ProxyEndpoint, timeout time.Duration) ingest.ProbeResult {
	observed, elapsed, err := m.prober.Probe(ctx, ep, timeout)
	result := ingest.ProbeResult{
		EndpointID:     ep.ID,
		Provider:       ep.Provider,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if err != nil {
		result.Rating = ingest.ProbeFailed
		result.Error = err.Error()
		m.logger.Debug("probe failed",
			zap.String("endpoint_id", ep.ID),
			zap.Error(err),
		)
		return result
	}
	result.Success = true
	result.ObservedAddress = observed
	if observed == ep.Address {
		result.Rating = ingest.ProbePerfect
	} else {
		// The request went through but egressed from a different address:
		// a transparent or broken proxy. Usable, ranked behind perfect.
		result.Rating = ingest.ProbeWorking
	}
	return result
}

// Refresh probes the given endpoints, swaps in a new ranked working set and
// returns the probe results so the caller can feed the registry.
func (m *Monitor) Refresh(ctx context.Context, endpoints []ingest.ProxyEndpoint) []ingest.ProbeResult {
	results := m.ProbeAll(ctx, endpoints, m.cfg.Timeout)
	ws := BuildWorkingSet(endpoints, results)
	m.snapshot.Store(ws)
	m.logger.Info("working set refreshed",
		zap.Int("candidates", len(endpoints)),
		zap.Int("working", ws.Len()),
	)
	return results
}

// WorkingSet returns the current immutable snapshot.
func (m *Monitor) WorkingSet() *WorkingSet {
	return m.snapshot.Load()
}

// httpProber fetches an address-echo endpoint through the proxy.
type httpProber struct {
	probeURL string
}

func (p *httpProber) Probe(ctx context.Context, ep ingest.ProxyEndpoint, timeout time.Duration) (string, time.Duration, error) {
	proxyURL, err := url.Parse(ep.ProxyURL)
	if err != nil {
		return "", 0, fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build probe request: %w", err)
	}
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return "", elapsed, fmt.Errorf("probe request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", elapsed, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", elapsed, fmt.Errorf("read probe body: %w", err)
	}
	return strings.TrimSpace(string(body)), elapsed, nil
}
