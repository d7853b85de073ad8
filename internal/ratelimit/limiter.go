// Package ratelimit provides a per-(account,region) token-bucket limiter
// guarding outbound DRS/EC2 calls (spec.md §5: "Rate limiters (per
// account, per region) guard DRS APIs").
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Key identifies one rate-limited scope.
type Key struct {
	AccountID string
	Region    string
}

// Registry lazily creates and caches one rate.Limiter per Key.
type Registry struct {
	mu       sync.Mutex
	limiters map[Key]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

// NewRegistry builds a Registry that issues limiters at the given
// sustained rate and burst.
func NewRegistry(perSecond float64, burst int) *Registry {
	return &Registry{
		limiters:  make(map[Key]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

// Limiter returns the rate.Limiter for key, creating it on first use.
func (r *Registry) Limiter(key Key) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.perSecond, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Wait blocks until a token for key is available or ctx is done.
func (r *Registry) Wait(ctx context.Context, key Key) error {
	return r.Limiter(key).Wait(ctx)
}
