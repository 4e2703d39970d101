package util

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// maxRetryDelay caps the backoff so a long attempt chain never sleeps for
// minutes between provider calls.
const maxRetryDelay = 30 * time.Second

// Retry calls fn up to maxAttempts times with jittered exponential backoff
// starting at baseDelay. It returns nil on the first success; once the
// attempts are exhausted the last error is returned wrapped with the attempt
// count. Cancelling ctx aborts the wait between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}

// backoff doubles baseDelay per attempt and adds up to 25% jitter so callers
// hitting the same outage do not retry in lockstep.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d + rand.N(d/4+1)
}
