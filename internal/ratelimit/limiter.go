// Package ratelimit implements per-proxy token buckets. Each proxy is an
// independent egress IP and the target sites rate-limit per IP, so the
// limiter is keyed by endpoint ID rather than by domain.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jurisbase/lexcrawl/internal/metrics"
)

// Limiter manages one token bucket per proxy endpoint.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	PerProxyRPS float64
	Burst       int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerProxyRPS)
	if cfg.PerProxyRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the proxy, respecting the
// context. Spacing is applied in issue order within one proxy's stream.
func (l *Limiter) Wait(ctx context.Context, proxyID string) error {
	limiter := l.bucket(proxyID)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for proxy %s: %w", proxyID, err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(proxyID, delay)
	}
	return nil
}

// AllowAt reports whether a request on the proxy would be admitted at the
// given instant, consuming a token if so. Exists so tests can drive the
// bucket with a simulated clock.
func (l *Limiter) AllowAt(proxyID string, at time.Time) bool {
	return l.bucket(proxyID).AllowN(at, 1)
}

func (l *Limiter) bucket(proxyID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[proxyID]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[proxyID] = limiter
	}
	return limiter
}

// Forget drops the bucket for a terminated proxy.
func (l *Limiter) Forget(proxyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, proxyID)
}
