package weft

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffType determines how delays grow between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffConstant    BackoffType = "constant"
)

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	// Type is exponential, linear or constant.
	Type BackoffType `yaml:"type"`

	// Initial is the first delay.
	Initial time.Duration `yaml:"initial"`

	// Max caps the delay. Zero means uncapped.
	Max time.Duration `yaml:"max"`

	// Multiplier for exponential backoff. Defaults to 2.
	Multiplier float64 `yaml:"multiplier,omitempty"`

	// Jitter is a fraction of the delay added or removed at random (0-1).
	Jitter float64 `yaml:"jitter,omitempty"`
}

// Delay returns the wait before retry number attempt (1-based).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if b.Initial == 0 || attempt < 1 {
		return 0
	}

	var delay time.Duration
	switch b.Type {
	case BackoffLinear:
		delay = b.Initial * time.Duration(attempt)
	case BackoffConstant:
		delay = b.Initial
	default:
		multiplier := b.Multiplier
		if multiplier == 0 {
			multiplier = 2.0
		}
		f := float64(b.Initial) * math.Pow(multiplier, float64(attempt-1))
		if f > math.MaxInt64 {
			f = math.MaxInt64
		}
		delay = time.Duration(f)
	}

	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	if b.Jitter > 0 {
		jitter := float64(delay) * b.Jitter * (rand.Float64()*2 - 1)
		delay = time.Duration(float64(delay) + jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// RetryRule bounds local retries for one category.
type RetryRule struct {
	// MaxAttempts counts the first call. 1 means never retry.
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
}

// RetryPolicy maps retryable categories to their rules. Categories without
// a rule are not retried.
type RetryPolicy struct {
	Rules map[Category]RetryRule `yaml:"rules"`
}

// DefaultRetryPolicy retries transient and rate-limited failures with
// exponential backoff from 2s capped at 120s, and quota failures once.
func DefaultRetryPolicy() RetryPolicy {
	exp := BackoffConfig{Type: BackoffExponential, Initial: 2 * time.Second, Max: 120 * time.Second}
	return RetryPolicy{Rules: map[Category]RetryRule{
		CategoryTransient:   {MaxAttempts: 5, Backoff: exp},
		CategoryRateLimited: {MaxAttempts: 5, Backoff: exp},
		CategoryQuota:       {MaxAttempts: 2, Backoff: exp},
	}}
}

// Decide reports whether a call that has now failed attempt times (1-based)
// may be tried again and how long to wait first. A provider Retry-After wins
// over the computed backoff.
func (p RetryPolicy) Decide(cls Classification, attempt int) (time.Duration, bool) {
	rule, ok := p.Rules[cls.Category]
	if !ok || !cls.Retryable() {
		return 0, false
	}
	return rule.next(cls, attempt)
}

// DecideForced is Decide for a retry a hook asked for. Categories without a
// rule of their own fall back to the transient rule.
func (p RetryPolicy) DecideForced(cls Classification, attempt int) (time.Duration, bool) {
	rule, ok := p.Rules[cls.Category]
	if !ok {
		if rule, ok = p.Rules[CategoryTransient]; !ok {
			return 0, false
		}
	}
	return rule.next(cls, attempt)
}

func (r RetryRule) next(cls Classification, attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= r.MaxAttempts {
		return 0, false
	}
	if cls.RetryAfter > 0 {
		return cls.RetryAfter, true
	}
	return r.Backoff.Delay(attempt), true
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
