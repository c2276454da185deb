package tools

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a sliding-window counter keyed by (tool, user). A tool's
// per-minute budget comes from its [types.ToolDefinition.RateLimitPerMinute];
// zero means unlimited.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swapped in tests.
	now func() time.Time
}

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt and reports whether it fits within limit calls in
// the trailing minute. limit <= 0 always allows.
func (l *RateLimiter) Allow(tool, user string, limit int) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := tool + "\x00" + user
	now := l.now()
	cutoff := now.Add(-rateWindow)

	window := l.windows[key]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.windows[key] = kept
		return false
	}
	l.windows[key] = append(kept, now)
	return true
}

// RetryAfter reports how long the caller should wait before the oldest
// in-window attempt expires. Returns zero when the window is empty.
func (l *RateLimiter) RetryAfter(tool, user string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[tool+"\x00"+user]
	if len(window) == 0 {
		return 0
	}
	wait := rateWindow - l.now().Sub(window[0])
	if wait < 0 {
		return 0
	}
	return wait
}
