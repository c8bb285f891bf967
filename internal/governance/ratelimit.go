package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the per-caller limit. A zero RequestsPerSecond
// disables limiting.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets not used for this long. Zero selects ten minutes.
	IdleTTL time.Duration
}

// RateLimiter implements token bucket rate limiting per caller key.
type RateLimiter struct {
	mu        sync.Mutex
	config    RateLimiterConfig
	buckets   map[string]*tokenBucket
	now       func() time.Time
	lastSweep time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond))
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Enabled reports whether any limit is configured.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.config.RequestsPerSecond > 0
}

// Allow consumes a token for key. It returns false when the caller is over
// its limit, together with the remaining whole tokens.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	if !rl.Enabled() {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.config.BurstSize), lastRefill: now}
		rl.buckets[key] = bucket
	}
	bucket.refill(now, rl.config.RequestsPerSecond, float64(rl.config.BurstSize))

	if bucket.tokens < 1.0 {
		return false, 0
	}
	bucket.tokens--
	return true, int(bucket.tokens)
}

// Limit returns the configured burst size.
func (rl *RateLimiter) Limit() int {
	return rl.config.BurstSize
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.config.IdleTTL {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) > rl.config.IdleTTL {
			delete(rl.buckets, key)
		}
	}
}

// tokenBucket holds one caller's tokens. The limiter lock guards it.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) refill(now time.Time, rate, capacity float64) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(capacity, tb.tokens+elapsed*rate)
	tb.lastRefill = now
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}
