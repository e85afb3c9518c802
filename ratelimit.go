package weft

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig configures request throttling for a model.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// rateLimiter implements token bucket rate limiting.
type rateLimiter struct {
	config   RateLimitConfig
	tokens   float64
	lastTime time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func newRateLimiter(config RateLimitConfig, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		config:   config,
		tokens:   float64(config.RequestsPerMinute),
		lastTime: now(),
		now:      now,
	}
}

// reserve takes a token if one is available, otherwise returns how long
// until the next one.
func (r *rateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	rpm := float64(r.config.RequestsPerMinute)
	now := r.now()
	elapsed := now.Sub(r.lastTime).Minutes()
	r.lastTime = now

	// Refill tokens
	r.tokens += elapsed * rpm
	if r.tokens > rpm {
		r.tokens = rpm
	}

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	return time.Duration((1 - r.tokens) / rpm * float64(time.Minute))
}

// wait blocks until a token is available or ctx is done.
func (r *rateLimiter) wait(ctx context.Context) error {
	if r == nil || r.config.RequestsPerMinute <= 0 {
		return nil
	}
	for {
		d := r.reserve()
		if d == 0 {
			return nil
		}
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}
