package clients

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy defines the retry budget and backoff curve shared by all
// upstream connectors. MaxRetries counts retries after the first attempt,
// so the total attempt count is MaxRetries+1.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 retries (4 attempts)
// with a 1.5^attempt second backoff capped at one minute.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:  3,
		BackoffBase: 1.5,
		MaxDelay:    60 * time.Second,
	}
}

// Delay returns the backoff sleep for a given attempt. Attempt indexes
// start at 0, so the first retry waits BackoffBase^0 seconds and each
// subsequent retry grows exponentially.
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	delay := time.Duration(math.Pow(rp.BackoffBase, float64(attempt)) * float64(time.Second))
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}
	return delay
}

// RetryAfterDelay returns the server-specified delay from a 429 response,
// or ok=false when the header is absent or unparseable. Numeric seconds
// may be fractional; HTTP-date forms fall back to the exponential curve.
func RetryAfterDelay(header http.Header) (time.Duration, bool) {
	value := header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// sleepContext waits for the given duration or until the context is
// cancelled, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
