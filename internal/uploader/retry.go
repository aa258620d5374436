package uploader

import (
	"math"
	"time"
)

// RetryPolicy decides how long a failed record waits before its next attempt
// and when to stop retrying.
type RetryPolicy struct {
	// Delay is the wait after the first failure.
	Delay time.Duration
	// Multiplier grows the wait for each further failure; values <= 1 keep it fixed.
	Multiplier float64
	// MaxDelay caps the wait; 0 means uncapped.
	MaxDelay time.Duration
	// MaxAttempts ends the record with a terminal failure after this many
	// attempts; 0 retries forever.
	MaxAttempts int
}

// DefaultRetryPolicy retries forever with a fixed five second pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: 5 * time.Second, Multiplier: 1}
}

// Backoff returns the wait after the given attempt (1-based) failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Delay)
	if p.Multiplier > 1 {
		d *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether a record that has made attempts attempts should
// stop retrying.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
