package httpapi

import (
	"net/http"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// HandshakeLimiter bounds how often guarded endpoints may be entered across the
// whole process.
type HandshakeLimiter struct {
	limiter  *rate.Limiter
	rejected atomic.Uint64
}

// NewHandshakeLimiter allows perSecond events with the given burst. A non-positive
// rate disables the limit.
func NewHandshakeLimiter(perSecond float64, burst int) *HandshakeLimiter {
	if perSecond <= 0 {
		return &HandshakeLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &HandshakeLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *HandshakeLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	if l.limiter.Allow() {
		return true
	}
	l.rejected.Add(1)
	return false
}

// Rejected returns how many calls were refused.
func (l *HandshakeLimiter) Rejected() uint64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// Middleware answers 429 once the limit is exhausted.
func (l *HandshakeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
