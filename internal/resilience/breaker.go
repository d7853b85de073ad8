package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// NewAWSCallBreaker returns a gobreaker.CircuitBreaker tripped after
// repeated DRS/EC2 auth or transient failures, per §7's "after N
// consecutive failures" policy (default N=3, matching
// Config.AuthFailureThreshold). Call sites wrap individual AWS calls with
// Execute; an open breaker fails fast instead of hammering a broken
// credential or a downed endpoint.
func NewAWSCallBreaker(name string, consecutiveFailureThreshold uint32) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailureThreshold
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
