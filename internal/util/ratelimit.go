package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces outbound API calls with a token bucket. The bucket holds
// a few seconds of burst so a batched fetch can issue its first requests back
// to back before settling into the steady per-minute rate.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second; zero disables limiting
	burst  float64
	tokens float64
	last   time.Time
}

// NewRateLimiter allows perMinute operations per minute with five seconds'
// worth of burst capacity. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rate := float64(perMinute) / 60.0
	burst := rate * 5
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:   rate,
		burst:  burst,
		tokens: burst,
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or ctx ends. The sleep is computed
// from the refill rate rather than polled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.rate <= 0 {
		return ctx.Err()
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.last = now
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
