package policy

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimitMax is the maximum messages per sender per window.
	DefaultRateLimitMax = 10
	// DefaultRateLimitWindow is the sliding window width.
	DefaultRateLimitWindow = time.Minute
)

// RateLimiter is a per-sender sliding-window limiter. A sender is limited
// when it already has max timestamps inside the window; admitted calls
// record the current time.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	senders map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter creates a limiter. Non-positive parameters take defaults.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = DefaultRateLimitMax
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		senders: map[string][]time.Time{},
		now:     time.Now,
	}
}

// IsLimited trims senderID's window and reports whether it is saturated.
// When it is not, the call itself is recorded.
func (r *RateLimiter) IsLimited(senderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	fresh := r.senders[senderID][:0]
	for _, stamp := range r.senders[senderID] {
		if stamp.After(cutoff) {
			fresh = append(fresh, stamp)
		}
	}
	if len(fresh) >= r.max {
		r.senders[senderID] = fresh
		return true
	}
	r.senders[senderID] = append(fresh, now)
	return false
}

// Cleanup drops senders whose windows have fully expired. Run periodically.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for senderID, stamps := range r.senders {
		live := false
		for _, stamp := range stamps {
			if stamp.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(r.senders, senderID)
		}
	}
}

// Tracked returns the number of senders currently tracked.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}
