package memory

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a per-tenant sliding-window admission gate for the save
// path. It holds no reference to entries or storage; state is process-local
// and guarded by a single mutex.
type RateLimiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter admitting at most maxCalls saves per
// client within the window. A maxCalls of 0 disables limiting entirely.
func NewRateLimiter(maxCalls int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxCalls: maxCalls,
		window:   window,
		calls:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Enabled reports whether the limiter is active.
func (r *RateLimiter) Enabled() bool {
	return r.maxCalls > 0
}

// Check admits or rejects a call for the given client. It returns an empty
// string when admitted and a descriptive retry-later message when blocked.
func (r *RateLimiter) Check(clientID string) string {
	if !r.Enabled() {
		return ""
	}
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.calls[clientID][:0]
	for _, t := range r.calls[clientID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.calls[clientID] = kept

	if len(kept) >= r.maxCalls {
		return fmt.Sprintf(
			"Error: rate limit exceeded for '%s' (%d saves per %ds). Try again shortly.",
			clientID, r.maxCalls, int(r.window.Seconds()))
	}
	r.calls[clientID] = append(kept, now)
	return ""
}
