// Package ratelimit implements the windowed, per-(action, key)
// request limiter described in the Rate Limiter component: a fixed
// window and count per endpoint class, checked before any write
// reaches the store.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/time/rate"
)

// Class names the endpoint classes the limiter distinguishes. Every
// class maps to one (window, limit) pair in the defaults table and
// may be overridden by RATE_LIMITS_JSON.
type Class string

const (
	ClassRegisterUnsigned Class = "register_unsigned"
	ClassAttestationWrite Class = "attestation_write"
	ClassOwnership        Class = "ownership"
	ClassIntegrity        Class = "integrity"
	ClassTaxonomyMutation Class = "taxonomy_mutation"
)

// Limit is one class's window and count.
type Limit struct {
	Window time.Duration
	Count  int
}

// DefaultLimits is the contractual defaults table: every class is
// 60s/1 except GETs, which the router never routes through the
// limiter at all.
func DefaultLimits() map[Class]Limit {
	return map[Class]Limit{
		ClassRegisterUnsigned: {Window: 60 * time.Second, Count: 1},
		ClassAttestationWrite: {Window: 60 * time.Second, Count: 1},
		ClassOwnership:        {Window: 60 * time.Second, Count: 1},
		ClassIntegrity:        {Window: 60 * time.Second, Count: 1},
		ClassTaxonomyMutation: {Window: 60 * time.Second, Count: 1},
	}
}

// LimitsFromJSON merges RATE_LIMITS_JSON overrides over the defaults.
// The expected shape is a map of class name to
// {"window_seconds": N, "count": M}; unnamed classes keep their
// default.
func LimitsFromJSON(raw string) (map[Class]Limit, error) {
	limits := DefaultLimits()
	if raw == "" {
		return limits, nil
	}
	var overrides map[string]struct {
		WindowSeconds int `json:"window_seconds"`
		Count         int `json:"count"`
	}
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("ratelimit: parse overrides: %w", err)
	}
	for name, o := range overrides {
		if o.WindowSeconds <= 0 || o.Count <= 0 {
			return nil, fmt.Errorf("ratelimit: override %q must have positive window_seconds and count", name)
		}
		limits[Class(name)] = Limit{Window: time.Duration(o.WindowSeconds) * time.Second, Count: o.Count}
	}
	return limits, nil
}

// Backend is the pluggable counter store: in-process by default, or
// an external shared store (e.g. Redis) for multi-instance
// deployments.
type Backend interface {
	// Allow increments the counter for key within window and reports
	// whether the request is within limit. retryAfter is meaningful
	// only when allowed is false.
	Allow(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, retryAfter time.Duration, err error)
}

// Limiter checks (class, key) pairs against Limits using Backend.
type Limiter struct {
	backend Backend
	limits  map[Class]Limit
}

func New(backend Backend, limits map[Class]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{backend: backend, limits: limits}
}

// Allow checks whether a request in class for key may proceed.
func (l *Limiter) Allow(ctx context.Context, class Class, key string) (allowed bool, retryAfter time.Duration, err error) {
	lim, ok := l.limits[class]
	if !ok {
		return true, 0, nil
	}
	return l.backend.Allow(ctx, fmt.Sprintf("%s:%s", class, key), lim.Window, lim.Count)
}

// InProcessBackend is a single-instance Backend built on
// golang.org/x/time/rate token buckets, one per key, lazily created
// and evicted once idle past their window.
type InProcessBackend struct {
	mu      sync.Mutex
	clk     clock.Clock
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewInProcessBackend(clk clock.Clock) *InProcessBackend {
	return &InProcessBackend{clk: clk, buckets: make(map[string]*bucketEntry)}
}

func (b *InProcessBackend) Allow(_ context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	entry, ok := b.buckets[key]
	if !ok || now.Sub(entry.lastSeen) > window {
		// A fresh or expired bucket gets a full refill: rate.Limiter
		// configured so the whole burst regenerates once per window.
		entry = &bucketEntry{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		}
		b.buckets[key] = entry
	}
	entry.lastSeen = now

	if entry.limiter.AllowN(now, 1) {
		return true, 0, nil
	}
	reservation := entry.limiter.ReserveN(now, 1)
	retryAfter := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	return false, retryAfter, nil
}

// Evict drops buckets that have seen no traffic in longer than ttl,
// bounding memory for long-running processes.
func (b *InProcessBackend) Evict(ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	for k, e := range b.buckets {
		if now.Sub(e.lastSeen) > ttl {
			delete(b.buckets, k)
		}
	}
}
