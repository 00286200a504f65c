// Package ratelimit implements the per-client token-bucket limiter
// that sits ahead of admission control: a cheap, approximate guard
// against a single caller monopolizing capacity, independent of the
// circuit breaker and queueing admission does for the fleet as a
// whole.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket pairs a token bucket with the last time it was touched, so an
// idle caller's state can be reclaimed instead of accumulating forever.
// Unlike a small, fixed set of tenant projects, client keys here are
// derived from request IP addresses (see api.Server.clientKey) and are
// effectively unbounded over the life of a long-running process.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages independent token buckets keyed by caller-chosen
// string, one per distinct key seen, with idle buckets reclaimed on a
// timer so the map doesn't grow without bound.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    rate.Limit
	burst   int
}

// New creates a rate limiter with one requestsPerHour/burst token
// bucket per distinct key.
func New(requestsPerHour, burst int) *Limiter {
	r := rate.Limit(float64(requestsPerHour) / 3600.0)
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
	}
}

func (l *Limiter) getBucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Allow reports whether a request for key may proceed right now.
func (l *Limiter) Allow(key string) bool {
	return l.getBucket(key).limiter.Allow()
}

// Tokens returns the current number of available tokens for key.
func (l *Limiter) Tokens(key string) float64 {
	return l.getBucket(key).limiter.Tokens()
}

// StartBackgroundCleanup evicts buckets untouched for longer than
// idleTTL, on the same ticker-and-stop-channel idiom the browser and
// tab pools use for their own background sweeps.
func (l *Limiter) StartBackgroundCleanup(interval, idleTTL time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.sweep(idleTTL)
			}
		}
	}()
}

func (l *Limiter) sweep(idleTTL time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if time.Since(b.lastSeen) > idleTTL {
			delete(l.buckets, key)
		}
	}
}

// Size reports the number of distinct keys currently tracked, used by
// tests and the stats surface to confirm idle buckets are reclaimed.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
