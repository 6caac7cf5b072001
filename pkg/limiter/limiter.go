package limiter

import (
	"fmt"
	"sync"
	"time"
)

// Decision is the outcome of a sliding-window check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Message    string
}

// Window is a sliding-window rate limiter keyed by caller identity
// (user id or remote address). Timestamps are pruned on every check.
type Window struct {
	maxRequests int
	window      time.Duration
	requests    map[string][]time.Time
	mu          sync.Mutex
	now         func() time.Time
}

// NewWindow creates a limiter allowing maxRequests per window per key
func NewWindow(maxRequests int, window time.Duration) *Window {
	return &Window{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Check prunes expired timestamps for key, then either records the
// request and allows it, or denies with the time until the oldest
// retained request leaves the window.
func (w *Window) Check(key string) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.requests[key][:0]
	for _, ts := range w.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.requests[key] = kept

	if len(kept) >= w.maxRequests {
		oldest := kept[0]
		for _, ts := range kept[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		retryAfter := w.window - now.Sub(oldest) + time.Second
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter,
			Message: fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %ds. Retry after %ds.",
				w.maxRequests, int(w.window.Seconds()), int(retryAfter.Seconds())),
		}
	}

	w.requests[key] = append(kept, now)
	return Decision{Allowed: true}
}

// Count returns the number of requests key has made inside the window
func (w *Window) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	kept := w.requests[key][:0]
	for _, ts := range w.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.requests[key] = kept
	return len(kept)
}
