package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// Middleware wraps an http.Handler with the C11 token-bucket gate, keyed by
// client IP and route path by default.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := Key(clientIP(r), r.URL.Path)
		d := l.Allow(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(d.ResetAfter.Seconds())))

		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.ResetAfter.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limited","retryAfterSeconds":%d}`, int(d.ResetAfter.Seconds()))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
