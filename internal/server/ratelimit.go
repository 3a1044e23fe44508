package server

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window request limiter keyed by API key. Windows
// are tracked per key; stale entries are dropped opportunistically when a
// window rolls over.
type rateLimiter struct {
	mu     sync.Mutex
	rate   int
	window time.Duration
	keys   map[string]*rateWindow
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// newRateLimiter creates a limiter that allows rate requests per window per key.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		rate:   rate,
		window: window,
		keys:   make(map[string]*rateWindow),
	}
}

// Allow returns true if a request for the given key is within the rate limit.
func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.keys[key]
	if !ok {
		w = &rateWindow{windowStart: now}
		l.keys[key] = w
	}
	if now.Sub(w.windowStart) > l.window {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	return w.count <= l.rate
}
