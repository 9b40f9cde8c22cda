package worker

import (
	"math/rand"
	"time"
)

// RetryPolicy computes exponentially growing, jittered delays between
// attempts on the same frontier entry. Jitter is full-range so a burst of
// entries failing together does not retry in lockstep.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches the configured defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     2 * time.Second,
		Max:         5 * time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff before the given attempt number (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.Initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Max {
			backoff = p.Max
			break
		}
	}
	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff))) + backoff/2
}

// Exhausted reports whether the entry has used up its attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
