// ABOUTME: Per-tenant token buckets for the send endpoints
// ABOUTME: A zero rate disables limiting entirely

package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimitObserver counts rejected sends.
type rateLimitObserver interface {
	ObserveRateLimited(tenantID string)
}

// tenantLimiter hands out one limiter per tenant, created on first use.
type tenantLimiter struct {
	limit    rate.Limit
	burst    int
	observer rateLimitObserver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newTenantLimiter returns nil when rps is zero; a nil limiter allows everything.
func newTenantLimiter(rps float64, burst int, observer rateLimitObserver) *tenantLimiter {
	if rps <= 0 {
		return nil
	}
	return &tenantLimiter{
		limit:    rate.Limit(rps),
		burst:    max(burst, 1),
		observer: observer,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether tenantID may send now.
func (t *tenantLimiter) Allow(tenantID string) bool {
	if t == nil {
		return true
	}

	t.mu.Lock()
	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[tenantID] = l
	}
	t.mu.Unlock()

	if l.Allow() {
		return true
	}
	if t.observer != nil {
		t.observer.ObserveRateLimited(tenantID)
	}
	return false
}
