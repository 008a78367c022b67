package flywheel

import (
	"sync"
	"time"
)

// RateLimiter enforces a trades-per-window cap with a sliding window over
// actual trade timestamps. Only submitted swaps consume the budget; skips and
// claim-split transfers do not.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	events []time.Time
}

// NewRateLimiter creates a limiter allowing limit events per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{window: window, limit: limit}
}

// SetLimit adjusts the cap at runtime
func (r *RateLimiter) SetLimit(limit int) {
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// Allow reports whether another event fits in the current window
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	return len(r.events) < r.limit
}

// Record consumes one slot of the window
func (r *RateLimiter) Record() {
	now := time.Now()
	r.mu.Lock()
	r.prune(now)
	r.events = append(r.events, now)
	r.mu.Unlock()
}

// InWindow returns the number of events currently inside the window
func (r *RateLimiter) InWindow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	return len(r.events)
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = r.events[i:]
	}
}
