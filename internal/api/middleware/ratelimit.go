package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdle = 10 * time.Minute
	sweepEvery  = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	clockNow  func() time.Time
}

// NewRateLimiter builds a limiter. requestsPerMinute <= 0 disables it.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		clockNow:  time.Now,
	}
}

// Middleware rejects requests over budget with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.perSecond <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		limiter := r.obtain(ClientIP(req))
		reservation := limiter.ReserveN(r.clockNow(), 1)
		if delay := reservation.DelayFrom(r.clockNow()); delay > 0 {
			reservation.CancelAt(r.clockNow())
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			WriteError(w, http.StatusTooManyRequests, "RateLimited", "Too many requests, please retry later")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtain(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	if now.Sub(r.lastSweep) >= sweepEvery {
		for key, v := range r.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(r.visitors, key)
			}
		}
		r.lastSweep = now
	}
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.perSecond, r.burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter
}

// ClientIP picks the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
