// types.go: Core types and enums for outbound admission control
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Priority orders queued requests. Higher priorities drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// RequestFunc is an outbound call gated by the limiter.
type RequestFunc func(ctx context.Context) (any, error)

// QueuedRequest is a request waiting for admission. It is owned by the limiter
// until it is executed or rejected.
type QueuedRequest struct {
	ID          string
	Provider    string
	Priority    Priority
	EnqueueTime time.Time
	Execute     RequestFunc
	OnSuccess   func(any)
	OnFailure   func(error)

	ctx context.Context
	seq uint64
}

// expired reports whether the submitter stopped waiting for the request.
func (r *QueuedRequest) expired() bool { return r.ctx.Err() != nil }

// RateBudget is a provider's fixed request window.
type RateBudget struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	ResetTime   time.Time `json:"reset_time"`
}

// ProviderStats holds per-provider execution statistics.
type ProviderStats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	RateLimitHits      int64         `json:"rate_limit_hits"`
	QueuedRequests     int64         `json:"queued_requests"`
	RejectedRequests   int64         `json:"rejected_requests"`
	AverageLatency     time.Duration `json:"average_latency"`
	LastRequest        time.Time     `json:"last_request"`
}

// RateLimitStatus represents the current status of a provider's budget
type RateLimitStatus struct {
	Provider    string    `json:"provider"`
	Limit       int       `json:"limit"`
	Current     int       `json:"current"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetTime   time.Time `json:"reset_time"`
	// BurstRemaining is the number of requests left in the trailing second,
	// omitted when no burst limit is configured.
	BurstRemaining int           `json:"burst_remaining,omitempty"`
	BackoffDelay   time.Duration `json:"backoff_delay"`
	BackoffUntil   time.Time     `json:"backoff_until"`
	QueueLength    int           `json:"queue_length"`
	Stats          ProviderStats `json:"stats"`
}
