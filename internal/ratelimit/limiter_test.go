package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisbase/lexcrawl/internal/ratelimit"
)

// At 1 rps with burst 1 a proxy must never admit more than one request in
// any one-second window. Driven entirely by a simulated clock.
func TestPerProxyRateIsBounded(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(ratelimit.Config{PerProxyRPS: 1, Burst: 1})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var admitted []time.Time
	for i := 0; i < 5000; i++ {
		at := base.Add(time.Duration(i) * 10 * time.Millisecond)
		if l.AllowAt("ep-0001", at) {
			admitted = append(admitted, at)
		}
	}

	require.NotEmpty(t, admitted)
	for i := 1; i < len(admitted); i++ {
		gap := admitted[i].Sub(admitted[i-1])
		assert.GreaterOrEqual(t, gap, time.Second,
			"admissions %d and %d only %v apart", i-1, i, gap)
	}
	// Roughly one admission per second over 50 seconds.
	assert.InDelta(t, 50, len(admitted), 2)
}

// Buckets are independent: throttling one proxy never delays another.
func TestProxiesAreIndependent(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(ratelimit.Config{PerProxyRPS: 1, Burst: 1})

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, l.AllowAt("ep-0001", at))
	assert.False(t, l.AllowAt("ep-0001", at))
	assert.True(t, l.AllowAt("ep-0002", at))
}

func TestForgetResetsBucket(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(ratelimit.Config{PerProxyRPS: 1, Burst: 1})

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.True(t, l.AllowAt("ep-0001", at))
	require.False(t, l.AllowAt("ep-0001", at))

	// A terminated proxy's ID may be reused by a fresh endpoint.
	l.Forget("ep-0001")
	assert.True(t, l.AllowAt("ep-0001", at))
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	l := ratelimit.New(ratelimit.Config{PerProxyRPS: 0.001, Burst: 1})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "ep-0001")) // burst token

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, l.Wait(cancelled, "ep-0001"))
}
