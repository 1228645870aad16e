package security

import (
	"sync"
	"time"

	"rallylink/coordinator/internal/logging"
)

// RateLimiter tracks per-(address, action) request counts in fixed windows.
//
// A blocked caller keeps consuming budget: every call is recorded even when it
// is denied, so probing a full bucket never starves the window reset.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time
	logger *logging.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*rateBucket
}

type bucketKey struct {
	Address string
	Action  string
}

type rateBucket struct {
	count       int
	windowStart time.Time
	lastRequest time.Time
}

// LimiterOption configures optional RateLimiter behaviour.
type LimiterOption func(*RateLimiter)

// WithLimiterClock overrides the limiter time source for deterministic tests.
func WithLimiterClock(clock func() time.Time) LimiterOption {
	return func(l *RateLimiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLimiterLogger injects a logger for denied-request diagnostics.
func WithLimiterLogger(logger *logging.Logger) LimiterOption {
	return func(l *RateLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRateLimiter constructs a limiter allowing up to max requests per fixed window.
func NewRateLimiter(max int, window time.Duration, opts ...LimiterOption) *RateLimiter {
	limiter := &RateLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		logger:  logging.L(),
		buckets: make(map[bucketKey]*rateBucket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}
	return limiter
}

// Allow reports whether the (address, action) pair is within its request budget.
func (l *RateLimiter) Allow(address, action string) bool {
	if l == nil || l.max <= 0 || l.window <= 0 {
		return true
	}
	key := bucketKey{Address: address, Action: action}
	now := l.now()

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		//1.- First request for a key opens a fresh window with a budget of one.
		l.buckets[key] = &rateBucket{count: 1, windowStart: now, lastRequest: now}
		l.mu.Unlock()
		return true
	}
	//2.- A window older than its length resets to count=1 rather than carrying debt over.
	if now.Sub(bucket.windowStart) > l.window {
		bucket.count = 1
		bucket.windowStart = now
		bucket.lastRequest = now
		l.mu.Unlock()
		return true
	}
	//3.- Record the request unconditionally so denied callers still burn budget.
	bucket.count++
	bucket.lastRequest = now
	allowed := bucket.count <= l.max
	l.mu.Unlock()

	if !allowed {
		l.logger.Warn("rate limit exceeded",
			logging.String("address", address),
			logging.String("action", action))
	}
	return allowed
}

// EvictIdle removes buckets whose last request is older than maxIdle, returning
// how many were dropped. Called by the reaper.
func (l *RateLimiter) EvictIdle(maxIdle time.Duration) int {
	if l == nil || maxIdle <= 0 {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, bucket := range l.buckets {
		if bucket.lastRequest.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// TrackedKeyCount reports how many (address, action) buckets are live.
func (l *RateLimiter) TrackedKeyCount() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
