// SPDX-License-Identifier: Apache-2.0

// Package middleware holds HTTP middleware shared by the transport layer.
package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"

	clientIdleTTL  = 10 * time.Minute
	sweepThreshold = 1024
)

type rateLimitDecision struct {
	Allowed           bool
	LimitPerMinute    int
	Remaining         int
	RetryAfterSeconds int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type inMemoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func newInMemoryRateLimiter() *inMemoryRateLimiter {
	return &inMemoryRateLimiter{
		buckets: make(map[string]*clientBucket, 32),
	}
}

// Allow takes one token from the client's bucket. Buckets hold up to
// limitPerMinute tokens and refill evenly over a minute.
func (l *inMemoryRateLimiter) Allow(client string, limitPerMinute int, now time.Time) rateLimitDecision {
	if limitPerMinute <= 0 {
		limitPerMinute = 1
	}
	every := rate.Every(time.Minute / time.Duration(limitPerMinute))

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) >= sweepThreshold {
		l.sweep(now)
	}

	bucket, ok := l.buckets[client]
	if !ok || bucket.limiter.Burst() != limitPerMinute {
		bucket = &clientBucket{limiter: rate.NewLimiter(every, limitPerMinute)}
		l.buckets[client] = bucket
	}
	bucket.lastSeen = now

	decision := rateLimitDecision{LimitPerMinute: limitPerMinute}

	res := bucket.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		decision.RetryAfterSeconds = max(1, int(math.Ceil(delay.Seconds())))
		return decision
	}

	decision.Allowed = true
	decision.Remaining = max(0, int(math.Floor(bucket.limiter.TokensAt(now))))
	return decision
}

func (l *inMemoryRateLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > clientIdleTTL {
			delete(l.buckets, k)
		}
	}
}

// RateLimit throttles requests per client IP. Rejected requests get 429 with
// a Retry-After header.
func RateLimit(limitPerMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return rateLimitWithLimiter(limitPerMinute, newInMemoryRateLimiter(), logger)
}

func rateLimitWithLimiter(
	limitPerMinute int,
	limiter *inMemoryRateLimiter,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if limiter == nil {
		panic("middleware.RateLimit requires a limiter")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)

			decision := limiter.Allow(client, limitPerMinute, time.Now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("request rate limited",
					"path", r.URL.Path,
					"client", client,
				)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
