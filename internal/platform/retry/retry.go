// Package retry provides a generic backoff-retry helper (Retry) and, via
// Backoff, the mechanical core of the recovery controller's
// exponential-with-jitter delay formula.
package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond
	HealthAttempts   = 2
	HealthBaseDelay  = 50 * time.Millisecond
)

// IsRetriable classifies whether an error from a dependency call is worth
// retrying at all.
type IsRetriable func(err error) bool

// AlwaysRetriable retries on every non-nil error.
func AlwaysRetriable(error) bool { return true }

// Retry calls fn up to attempts times, sleeping baseDelay*2^(i-1) between
// tries (capped implicitly by attempts, not by a max-delay — callers doing
// long-running backoff should use Backoff instead). It stops early if ctx
// is done or isRetriable returns false for the latest error.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable IsRetriable) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isRetriable(err) || attempt == attempts {
			return err
		}
		delay := baseDelay * time.Duration(1<<uint(attempt-1))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// IsRetriableDbError is the DynamoDB-flavored retry predicate: it retries on
// every non-nil error; conditional-check and validation failures are not
// told apart from other errors.
func IsRetriableDbError(err error) bool {
	return err != nil
}

// Backoff computes the capped-exponential-plus-jitter delay from spec.md
// §4.5: delay = min(maxDelay, base*2^(attempt-1)) + jitter, jitter in
// [0, 0.1*delay).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := base * time.Duration(1<<uint(attempt-1))
	if raw > max || raw < 0 {
		raw = max
	}
	jitter := time.Duration(rand.Int63n(int64(raw)/10 + 1))
	return raw + jitter
}
