// backoff.go: Per-provider exponential backoff after provider throttling
package ratelimit

import (
	"strings"
	"time"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/schedule"
	"go.uber.org/zap"
)

// backoffState tracks one provider's throttling backoff.
type backoffState struct {
	delay time.Duration
	until time.Time
	gen   uint64
	reset *schedule.Handle
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

var rateLimitMarkers = []string{"429", "too many requests", "rate limit", "throttl"}

// IsRateLimitError reports whether err signals provider throttling.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.RateLimitError) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// nextDelay returns the delay that follows prev.
func (c Config) nextDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return c.BaseBackoffDelay
	}
	next := time.Duration(float64(prev) * c.BackoffMultiplier)
	if next > c.MaxBackoffDelay || next <= 0 {
		next = c.MaxBackoffDelay
	}
	return next
}

// applyBackoffLocked extends provider's backoff and returns the applied delay.
// The state resets once the provider stays quiet for one more delay after the window.
func (rl *RateLimiter) applyBackoffLocked(provider string, now time.Time) time.Duration {
	st, ok := rl.backoffs[provider]
	if !ok {
		st = &backoffState{}
		rl.backoffs[provider] = st
	}
	st.delay = rl.cfg.nextDelay(st.delay)
	st.until = now.Add(st.delay)
	st.gen++

	if st.reset != nil {
		st.reset.Cancel()
	}
	gen := st.gen
	st.reset = rl.tasks.After("backoff-reset:"+provider, 2*st.delay, func() {
		rl.resetBackoff(provider, gen)
	})

	rl.metrics.backoffDelay.WithLabelValues(provider).Set(st.delay.Seconds())
	return st.delay
}

func (rl *RateLimiter) resetBackoff(provider string, gen uint64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	st, ok := rl.backoffs[provider]
	if !ok || st.gen != gen {
		return
	}
	delete(rl.backoffs, provider)
	rl.metrics.backoffDelay.WithLabelValues(provider).Set(0)
	rl.logger.Debug("Backoff reset", zap.String("provider", provider))
}

func (rl *RateLimiter) inBackoffLocked(provider string, now time.Time) bool {
	st, ok := rl.backoffs[provider]
	return ok && now.Before(st.until)
}
