package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute   int
	IPBurst       int
	UserPerMinute int
	UserBurst     int
}

type RateLimiter struct {
	ipLimiter   *keyedLimiter
	userLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:   newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		userLimiter: newKeyedLimiter(cfg.UserPerMinute, cfg.UserBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if user := strings.TrimSpace(r.Header.Get(HeaderUserID)); user != "" && !l.userLimiter.allow(user) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyedLimiter holds one token bucket per key. Buckets idle for longer than
// it takes to refill are evicted.
type keyedLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *cache.Cache
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	interval := time.Minute / time.Duration(perMinute)
	idle := time.Duration(burst) * interval
	if idle < time.Minute {
		idle = time.Minute
	}
	return newExpiringLimiter(rate.Every(interval), burst, idle)
}

func newExpiringLimiter(limit rate.Limit, burst int, idle time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limit:    limit,
		burst:    burst,
		limiters: cache.New(idle, idle),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	var limiter *rate.Limiter
	if cached, ok := l.limiters.Get(key); ok {
		limiter = cached.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	l.limiters.Set(key, limiter, cache.DefaultExpiration)
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *keyedLimiter) size() int {
	return l.limiters.ItemCount()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
