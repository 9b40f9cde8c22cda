// Package fetch implements the two fetch strategies: a lightweight direct
// HTTP fetcher built on Colly and a heavyweight browser-driven fetcher
// built on chromedp. Both bind every request to one specific proxy
// endpoint chosen by the worker.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// DirectConfig controls the direct fetcher.
type DirectConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Direct implements ingest.Fetcher with Colly. One collector per proxy,
// cloned from a shared base so every proxy keeps its own transport and
// connection pool.
type Direct struct {
	cfg  DirectConfig
	base *colly.Collector

	mu         sync.Mutex
	collectors map[string]*colly.Collector // keyed by endpoint ID
}

// NewDirect builds a Direct fetcher.
func NewDirect(cfg DirectConfig) *Direct {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := colly.NewCollector(colly.Async(false))
	base.IgnoreRobotsTxt = true // sources are government portals crawled under agreement
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.SetRequestTimeout(cfg.Timeout)
	return &Direct{
		cfg:        cfg,
		base:       base,
		collectors: make(map[string]*colly.Collector),
	}
}

// Fetch executes a single GET through the request's proxy.
func (f *Direct) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	collector, err := f.collectorFor(request.Proxy)
	if err != nil {
		return ingest.FetchResponse{}, err
	}

	var (
		result   ingest.FetchResponse
		fetchErr error
	)
	start := time.Now()
	clone := collector.Clone()
	clone.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	clone.OnResponse(func(r *colly.Response) {
		result = ingest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			ProxyID:    request.Proxy.ID,
		}
	})
	clone.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = ingest.NewFetchError(status, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- clone.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return ingest.FetchResponse{}, fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return ingest.FetchResponse{}, fetchErr
		}
		if err != nil {
			return ingest.FetchResponse{}, &ingest.FetchError{Kind: ingest.KindTransient, Err: err}
		}
		return result, nil
	}
}

// collectorFor returns the cached per-proxy collector, building it on first
// use. The transport pins the proxy so the per-proxy rate budget maps to a
// real egress IP.
func (f *Direct) collectorFor(proxy ingest.ProxyEndpoint) (*colly.Collector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.collectors[proxy.ID]; ok {
		return c, nil
	}
	proxyURL, err := url.Parse(proxy.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url for %s: %w", proxy.ID, err)
	}
	c := f.base.Clone()
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	})
	f.collectors[proxy.ID] = c
	return c, nil
}

// Forget drops the cached collector for a terminated proxy.
func (f *Direct) Forget(proxyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collectors, proxyID)
}
