package api

import (
	"sync"
	"time"
)

const (
	DefaultSubmitLimit  = 30
	DefaultSubmitWindow = time.Minute
)

// RateLimiter implements per-client fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   func() time.Time
	clients map[string]*clientLimit
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit requests per window for each key
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultSubmitLimit
	}
	if window <= 0 {
		window = DefaultSubmitWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   time.Now,
		clients: make(map[string]*clientLimit),
	}
}

// Allow records one request for key and reports whether it fits the window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()

	entry, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = &clientLimit{count: 1, windowStart: now}
		return true
	}

	// TECHNICAL DISCOVERY: The window resets a full period after its first request
	if now.Sub(entry.windowStart) >= rl.window {
		entry.count = 1
		entry.windowStart = now
		return true
	}

	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// Cleanup forgets clients idle for five windows
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock()
	removed := 0
	for key, entry := range rl.clients {
		if now.Sub(entry.windowStart) > 5*rl.window {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
