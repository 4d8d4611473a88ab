// circuit_breaker.go: Circuit breaker guarding calls to a failing upstream provider
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed CircuitBreakerState = iota
	// StateOpen - calls are rejected until the open timeout elapses
	StateOpen
	// StateHalfOpen - a limited number of trial calls test whether the upstream recovered
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s CircuitBreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds circuit breaker settings. Zero values take the defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int `mapstructure:"max_failures" yaml:"max_failures" json:"max_failures" validate:"gte=0"`
	// OpenTimeout is how long the circuit stays open before trial calls are let through.
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout" json:"open_timeout" validate:"gte=0"`
	// HalfOpenRequests is the number of trial calls that must succeed to close the circuit.
	HalfOpenRequests int `mapstructure:"half_open_requests" yaml:"half_open_requests" json:"half_open_requests" validate:"gte=0"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
	return c
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the wall clock.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithFailureFilter counts only the errors for which isFailure reports true.
func WithFailureFilter(isFailure func(error) bool) BreakerOption {
	return func(cb *CircuitBreaker) { cb.isFailure = isFailure }
}

// CircuitBreaker stops calling an upstream after consecutive failures and lets
// trial calls through once the open timeout has elapsed.
type CircuitBreaker struct {
	name      string
	cfg       BreakerConfig
	logger    *zap.Logger
	now       func() time.Time
	isFailure func(error) bool

	mu            sync.Mutex
	state         CircuitBreakerState
	failureCount  int
	openedAt      time.Time
	halfOpenCount int
	halfOpenOK    int

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	rejected        atomic.Int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *zap.Logger, opts ...BreakerOption) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("breaker").With(zap.String("name", name)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open, in which case it returns an
// errors.CircuitOpen error without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		cb.rejected.Add(1)
		return errors.CircuitOpen.Explain("circuit breaker %s is %s", cb.name, cb.State())
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
	case ctx.Err() != nil:
		// the caller gave up; the upstream was not judged
		cb.release()
	case cb.isFailure == nil || cb.isFailure(err):
		cb.recordFailure()
	default:
		cb.recordSuccess()
	}
	return err
}

// release returns a trial slot taken by a call that ended without an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCount > cb.halfOpenOK {
		cb.halfOpenCount--
	}
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.totalRequests.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.halfOpenCount, cb.halfOpenOK = 1, 0
		cb.logger.Info("Circuit breaker half-open")
		return true
	case StateHalfOpen:
		if cb.halfOpenCount < cb.cfg.HalfOpenRequests {
			cb.halfOpenCount++
			return true
		}
		return false
	}
	return false
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.successRequests.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenRequests {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.logger.Info("Circuit breaker closed after successful trial")
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failedRequests.Add(1)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.logger.Warn("Circuit breaker opened",
				zap.Int("failures", cb.failureCount),
				zap.Duration("open_timeout", cb.cfg.OpenTimeout))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.logger.Warn("Circuit breaker reopened during trial")
	}
}

// State returns the current state. An open circuit whose timeout has elapsed is
// still reported open until the next call moves it to half-open.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerMetrics holds counters for a circuit breaker
type CircuitBreakerMetrics struct {
	Name             string              `json:"name"`
	State            CircuitBreakerState `json:"state"`
	TotalRequests    int64               `json:"total_requests"`
	SuccessRequests  int64               `json:"success_requests"`
	FailedRequests   int64               `json:"failed_requests"`
	RejectedRequests int64               `json:"rejected_requests"`
	FailureCount     int                 `json:"failure_count"`
	OpenedAt         time.Time           `json:"opened_at,omitempty"`
}

// Metrics returns the breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	m := CircuitBreakerMetrics{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failureCount,
		OpenedAt:     cb.openedAt,
	}
	cb.mu.Unlock()
	m.TotalRequests = cb.totalRequests.Load()
	m.SuccessRequests = cb.successRequests.Load()
	m.FailedRequests = cb.failedRequests.Load()
	m.RejectedRequests = cb.rejected.Load()
	return m
}
