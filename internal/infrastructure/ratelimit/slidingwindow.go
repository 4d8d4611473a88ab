// slidingwindow.go: Sliding window algorithm used for the per-second burst limit
package ratelimit

import (
	"time"
)

// SlidingWindow counts events inside a trailing window.
// It is not safe for concurrent use; the RateLimiter guards it with its own lock.
type SlidingWindow struct {
	limit    int           // max events per window
	window   time.Duration // window size
	requests []int64       // timestamps (unix nanos)
}

// NewSlidingWindow creates a new sliding window limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		requests: make([]int64, 0, limit+1),
	}
}

// AllowAt checks if an event is allowed at now (does not record).
func (sw *SlidingWindow) AllowAt(now time.Time) bool {
	sw.cleanup(now.UnixNano())
	return len(sw.requests) < sw.limit
}

// TakeAt records an event at now and reports whether it fit in the window.
func (sw *SlidingWindow) TakeAt(now time.Time) bool {
	ns := now.UnixNano()
	sw.cleanup(ns)
	sw.requests = append(sw.requests, ns)
	return len(sw.requests) <= sw.limit
}

// RemainingAt returns the number of events left in the window at now.
func (sw *SlidingWindow) RemainingAt(now time.Time) int {
	sw.cleanup(now.UnixNano())
	if r := sw.limit - len(sw.requests); r > 0 {
		return r
	}
	return 0
}

// cleanup removes timestamps outside the window.
func (sw *SlidingWindow) cleanup(now int64) {
	cutoff := now - sw.window.Nanoseconds()
	idx := 0
	for idx < len(sw.requests) && sw.requests[idx] <= cutoff {
		idx++
	}
	if idx > 0 {
		sw.requests = sw.requests[idx:]
	}
}
