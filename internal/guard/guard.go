// Package guard enforces per-tenant intake limits.
package guard

import (
	"sync"
	"time"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// Window is the length of one rate window.
const Window = time.Minute

// Guard is a fixed-window rate limiter keyed by tenant.
type Guard struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// New returns a Guard allowing limit requests per tenant per Window.
// A limit <= 0 disables the check.
func New(limit int) *Guard {
	return &Guard{
		limit:   limit,
		now:     time.Now,
		buckets: make(map[string]*rateBucket),
	}
}

// WithClock replaces the time source. Tests only.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Allow counts one request for tenant and returns ErrRateLimitExceeded once
// the tenant has used up its window.
func (g *Guard) Allow(tenant string) error {
	if g == nil || g.limit <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	bucket, ok := g.buckets[tenant]
	if !ok || now.Sub(bucket.windowStart) >= Window {
		g.buckets[tenant] = &rateBucket{count: 1, windowStart: now}
		return nil
	}
	if bucket.count >= g.limit {
		return domain.Detail(domain.ErrRateLimitExceeded, "tenant %q: %d per %s", tenant, g.limit, Window)
	}
	bucket.count++
	return nil
}

// Remaining reports how many requests tenant may still make in its window.
func (g *Guard) Remaining(tenant string) int {
	if g == nil || g.limit <= 0 {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	bucket, ok := g.buckets[tenant]
	if !ok || g.now().Sub(bucket.windowStart) >= Window {
		return g.limit
	}
	return g.limit - bucket.count
}
