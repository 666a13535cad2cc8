package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		// keep the fractional remainder instead of dropping it
		tb.lastRefill = tb.lastRefill.Add(time.Duration(tokensToAdd) * time.Second / time.Duration(tb.rate))
		if tb.tokens == tb.capacity {
			tb.lastRefill = now
		}
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter keeps one token bucket per source (an IP address for echod).
// A zero rate disables limiting and Allow always succeeds.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	rate    int
	burst   int
	now     func() time.Time
}

// NewLimiter creates a per-source limiter with rate tokens per second and the
// given burst capacity.
func NewLimiter(rate, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*TokenBucket),
		rate:    rate,
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool { return l != nil && l.rate > 0 }

// Allow reports whether source may proceed, consuming one token.
func (l *Limiter) Allow(source string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	bucket, exists := l.buckets[source]
	if !exists {
		bucket = newTokenBucket(l.rate, l.burst, l.now)
		l.buckets[source] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Sources returns the number of tracked sources.
func (l *Limiter) Sources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// CleanupIdle removes buckets not used for maxIdle and returns how many were dropped.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for source, bucket := range l.buckets {
		if bucket.idleSince().Before(cutoff) {
			delete(l.buckets, source)
			removed++
		}
	}
	return removed
}
