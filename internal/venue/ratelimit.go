// ratelimit.go implements token-bucket rate limiting for venue HTTP APIs.
//
// Prediction-market venues meter requests in short windows; the bucket
// refills continuously rather than in bursts so a polling agent never slams
// into a hard limit. One bucket guards each adapter's client.
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling rate limiter. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // current available tokens, fractional allowed
	capacity float64 // maximum burst size
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
