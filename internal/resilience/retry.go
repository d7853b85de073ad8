// Package resilience provides the backoff and circuit-breaking primitives
// shared by the Job Poller and the Credential Broker.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes geometric backoff with jitter, matching the
// Job Poller's polling contract (§4.4): base delay, growth factor, cap,
// and a fractional jitter applied on top.
type BackoffConfig struct {
	Base    time.Duration
	Factor  float64
	Cap     time.Duration
	Jitter  float64 // 0-1, fraction of the delay to randomize
}

// DefaultPollBackoff returns the §4.4 polling defaults: 10s base, ×1.5,
// capped at 60s, ±20% jitter.
func DefaultPollBackoff() BackoffConfig {
	return BackoffConfig{
		Base:   10 * time.Second,
		Factor: 1.5,
		Cap:    60 * time.Second,
		Jitter: 0.2,
	}
}

// Next returns the next delay given the current one, growing geometrically
// and capping at cfg.Cap (jitter is not applied here; call Jittered for that,
// since the unjittered value is what's capped/grown across ticks).
func (cfg BackoffConfig) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return cfg.Base
	}
	next := time.Duration(float64(current) * cfg.Factor)
	if next > cfg.Cap {
		return cfg.Cap
	}
	return next
}

// Jittered applies cfg.Jitter to d, returning a value within ±jitter*d of d.
func (cfg BackoffConfig) Jittered(d time.Duration) time.Duration {
	if cfg.Jitter <= 0 {
		return d
	}
	delta := float64(d) * cfg.Jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}

// RetryConfig configures bounded retry with exponential backoff, used
// for capacity-class errors (§7: "bounded retries before surfacing").
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig returns sensible defaults for bounded retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff, stopping early if ctx is
// cancelled or fn succeeds.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
