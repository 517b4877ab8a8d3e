/**
 * @description
 * Rate limiting middleware used to slow down credential guessing on the login
 * endpoint. The limiter is pluggable: an in-memory token bucket for a single
 * instance, or a Redis fixed window shared by every instance.
 *
 * @dependencies
 * - sync, time: For the thread-safe in-memory buckets
 * - net/http: For HTTP middleware
 */
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimiter implements a token bucket rate limiter per key.
type RateLimiter struct {
	buckets     map[string]*TokenBucket
	mutex       sync.Mutex
	capacity    int
	refillEvery time.Duration
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter that allows limit requests per window and
// refills one token every window/limit.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	rl := &RateLimiter{
		buckets:     make(map[string]*TokenBucket),
		capacity:    limit,
		refillEvery: window / time.Duration(limit),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupExpiredBuckets()

	return rl
}

// Allow consumes a token for key if one is available.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = &TokenBucket{tokens: rl.capacity, lastRefill: now}
		rl.buckets[key] = bucket
	}

	// Refill tokens based on time elapsed
	if elapsed := now.Sub(bucket.lastRefill); elapsed >= rl.refillEvery {
		add := int(elapsed / rl.refillEvery)
		bucket.tokens = min(rl.capacity, bucket.tokens+add)
		bucket.lastRefill = bucket.lastRefill.Add(time.Duration(add) * rl.refillEvery)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true, 0, nil
	}
	return false, rl.refillEvery - now.Sub(bucket.lastRefill), nil
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// cleanupExpiredBuckets removes full buckets to prevent memory leaks
func (rl *RateLimiter) cleanupExpiredBuckets() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	now := rl.now()
	full := time.Duration(rl.capacity) * rl.refillEvery
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastRefill) > full {
			delete(rl.buckets, key)
		}
	}
}

// RateLimitMiddleware rejects requests with 429 once the limiter denies the
// client address. Limiter failures let the request through.
func RateLimitMiddleware(limiter Limiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + getClientIP(r)

			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable; allowing request", "component", "ratelimit", "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests, please try again later"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request. Forwarding headers are
// never read here; TrustedRealIP rewrites RemoteAddr for trusted proxies.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
