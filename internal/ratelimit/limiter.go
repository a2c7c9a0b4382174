// Package ratelimit implements the token-bucket rate limiter (C11): a
// per-key bucket that refills proportionally to elapsed time and exposes
// the remaining-token/reset introspection an HTTP middleware needs to set
// X-RateLimit-* headers — bookkeeping golang.org/x/time/rate does not
// expose directly.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one bucket's capacity and refill window.
type Config struct {
	Max      int           // bucket capacity (max tokens)
	Window   time.Duration // time to fully refill from empty
}

// DefaultConfig matches the spec's illustrative default.
var DefaultConfig = Config{Max: 60, Window: time.Minute}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter holds one token bucket per key (default key: "<ip>:<routePath>"),
// plus a process-wide x/time/rate.Limiter as a defense-in-depth cap so a
// burst spread across many distinct keys still can't exceed the aggregate
// rate the server is sized for.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	global  *rate.Limiter
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		global:  rate.NewLimiter(rate.Every(cfg.Window/time.Duration(max1(cfg.Max))), cfg.Max*10),
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Key builds the default rate-limit key from a client IP and route path.
func Key(ip, routePath string) string {
	return fmt.Sprintf("%s:%s", ip, routePath)
}

// Decision is the outcome of one Allow call, carrying everything needed to
// populate X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Allow refills the named bucket proportionally to elapsed time, then
// attempts to consume one token.
func (l *Limiter) Allow(key string) Decision {
	if !l.global.Allow() {
		return Decision{Allowed: false, Limit: l.cfg.Max, Remaining: 0, ResetAfter: l.cfg.Window}
	}

	b := l.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.lastRefill.IsZero() {
		b.tokens = float64(l.cfg.Max)
		b.lastRefill = now
	} else {
		elapsed := now.Sub(b.lastRefill)
		refill := elapsed.Seconds() / l.cfg.Window.Seconds() * float64(l.cfg.Max)
		b.tokens = minF(float64(l.cfg.Max), b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens < 1 {
		resetAfter := time.Duration((1 - b.tokens) / float64(l.cfg.Max) * float64(l.cfg.Window))
		return Decision{Allowed: false, Limit: l.cfg.Max, Remaining: 0, ResetAfter: resetAfter}
	}

	b.tokens--
	resetAfter := time.Duration((float64(l.cfg.Max) - b.tokens) / float64(l.cfg.Max) * float64(l.cfg.Window))
	return Decision{Allowed: true, Limit: l.cfg.Max, Remaining: int(b.tokens), ResetAfter: resetAfter}
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
