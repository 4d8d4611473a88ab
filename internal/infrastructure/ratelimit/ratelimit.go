// Package ratelimit provides admission control for outbound, rate-limited provider requests.
//
// Each provider gets a fixed request budget per time window plus an optional per-second burst
// limit. Requests that cannot be admitted are queued by priority and drained in the background;
// provider throttling puts the provider into exponential backoff.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/schedule"
)

var (
	// ErrRateLimitExceeded rejects a request that cannot be admitted while queueing is disabled.
	ErrRateLimitExceeded = errors.RateLimitError.Explain("rate limit exceeded")
	// ErrQueueFull rejects a request because the admission queue is at capacity.
	ErrQueueFull = errors.QueueFullError.Explain("request queue is full")
	// ErrLimiterClosed rejects requests submitted to, or still queued in, a closed limiter.
	ErrLimiterClosed = errors.LimiterClosed.Explain("rate limiter is closed")
)

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithRegisterer registers the limiter metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(rl *RateLimiter) { rl.registerer = reg }
}

// WithClock replaces the wall clock used for budgets and backoff windows.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

// WithTracerProvider sets the provider used for per-request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(rl *RateLimiter) { rl.tracer = tp.Tracer("github.com/Aidin1998/quotefeed/ratelimit") }
}

// RateLimiter gates outbound requests per provider.
type RateLimiter struct {
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	tracer     trace.Tracer
	registerer prometheus.Registerer
	metrics    *limiterMetrics

	mu       sync.Mutex
	budgets  map[string]*RateBudget
	bursts   map[string]*SlidingWindow
	backoffs map[string]*backoffState
	stats    map[string]*ProviderStats
	queue    *requestQueue
	closed   bool

	tasks    *schedule.Group
	inflight sync.WaitGroup
}

// New creates a limiter and starts its queue drain.
func New(cfg Config, logger *zap.Logger, opts ...Option) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	rl := &RateLimiter{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("ratelimit"),
		now:      time.Now,
		tracer:   otel.Tracer("github.com/Aidin1998/quotefeed/ratelimit"),
		budgets:  make(map[string]*RateBudget),
		bursts:   make(map[string]*SlidingWindow),
		backoffs: make(map[string]*backoffState),
		stats:    make(map[string]*ProviderStats),
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.metrics = newLimiterMetrics(rl.registerer)
	rl.queue = newRequestQueue(rl.cfg.rank)
	rl.tasks = schedule.NewGroup(rl.logger)
	if rl.cfg.EnableQueue {
		rl.tasks.Every("drain", rl.cfg.DrainInterval, rl.drain)
	}
	return rl
}

// CanMakeRequest reports whether a request for provider would be admitted now.
// An elapsed window is reset as a side effect.
func (rl *RateLimiter) CanMakeRequest(provider string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.canMakeLocked(provider, rl.now())
}

// RecordRequest counts one request against provider's budget and reports whether it
// breached the limit.
func (rl *RateLimiter) RecordRequest(provider string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.recordLocked(provider, rl.now())
}

// ExecuteRequest runs fn for provider once it is admitted and returns its result.
// It blocks until fn returns, the request is rejected, or ctx is done. A queued request
// whose ctx is done is skipped by the drain.
func (rl *RateLimiter) ExecuteRequest(ctx context.Context, provider string, fn RequestFunc, priority Priority) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	req := rl.newRequest(ctx, provider, fn, priority)
	req.OnSuccess = func(v any) { done <- outcome{value: v} }
	req.OnFailure = func(err error) { done <- outcome{err: err} }

	admitted, err := rl.submit(req)
	if err != nil {
		return nil, err
	}
	if admitted {
		defer rl.inflight.Done()
		rl.execute(req)
		o := <-done
		return o.value, o.err
	}

	select {
	case o := <-done:
		return o.value, o.err
	case <-req.ctx.Done():
		return nil, req.ctx.Err()
	}
}

// Submit is the callback form of ExecuteRequest. It returns the request id, or an error
// when the request is rejected outright; otherwise exactly one callback is invoked later.
func (rl *RateLimiter) Submit(ctx context.Context, provider string, fn RequestFunc, priority Priority, onSuccess func(any), onFailure func(error)) (string, error) {
	req := rl.newRequest(ctx, provider, fn, priority)
	req.OnSuccess = onSuccess
	req.OnFailure = onFailure

	admitted, err := rl.submit(req)
	if err != nil {
		return "", err
	}
	if admitted {
		go func() {
			defer rl.inflight.Done()
			rl.execute(req)
		}()
	}
	return req.ID, nil
}

// Execute is a typed wrapper around ExecuteRequest.
func Execute[T any](ctx context.Context, rl *RateLimiter, provider string, priority Priority, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := rl.ExecuteRequest(ctx, provider, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, priority)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return out, nil
}

func (rl *RateLimiter) newRequest(ctx context.Context, provider string, fn RequestFunc, priority Priority) *QueuedRequest {
	if ctx == nil {
		ctx = context.Background()
	}
	return &QueuedRequest{
		ID:          uuid.NewString(),
		Provider:    provider,
		Priority:    priority,
		EnqueueTime: rl.now(),
		Execute:     fn,
		ctx:         ctx,
	}
}

// submit admits req immediately or queues it. When admitted the caller owns one
// inflight slot and must execute the request.
func (rl *RateLimiter) submit(req *QueuedRequest) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.closed {
		return false, ErrLimiterClosed
	}
	now := rl.now()
	st := rl.statsLocked(req.Provider)

	if rl.canMakeLocked(req.Provider, now) {
		rl.recordLocked(req.Provider, now)
		st.TotalRequests++
		st.LastRequest = now
		rl.inflight.Add(1)
		return true, nil
	}

	if !rl.cfg.EnableQueue {
		st.RejectedRequests++
		rl.metrics.requests.WithLabelValues(req.Provider, "rejected").Inc()
		return false, ErrRateLimitExceeded
	}
	if rl.queue.len() >= rl.cfg.MaxQueueSize {
		st.RejectedRequests++
		rl.metrics.requests.WithLabelValues(req.Provider, "queue_full").Inc()
		rl.logger.Warn("Request queue full",
			zap.String("provider", req.Provider),
			zap.Int("queue_size", rl.queue.len()))
		return false, ErrQueueFull
	}

	rl.queue.push(req)
	st.QueuedRequests++
	rl.metrics.queueLength.Set(float64(rl.queue.len()))
	return false, nil
}

func (rl *RateLimiter) canMakeLocked(provider string, now time.Time) bool {
	if rl.cfg.EnableBackoff && rl.inBackoffLocked(provider, now) {
		return false
	}
	if rl.cfg.BurstLimit > 0 {
		if sw, ok := rl.bursts[provider]; ok && !sw.AllowAt(now) {
			return false
		}
	}
	b, ok := rl.budgets[provider]
	if !ok {
		return true
	}
	if !now.Before(b.ResetTime) {
		b.Count = 0
		b.WindowStart = now
		b.ResetTime = now.Add(rl.cfg.limitsFor(provider).TimeWindow)
		return true
	}
	return b.Count < rl.cfg.limitsFor(provider).MaxRequests
}

func (rl *RateLimiter) recordLocked(provider string, now time.Time) bool {
	limits := rl.cfg.limitsFor(provider)
	b, ok := rl.budgets[provider]
	if !ok || !now.Before(b.ResetTime) {
		b = &RateBudget{WindowStart: now, ResetTime: now.Add(limits.TimeWindow)}
		rl.budgets[provider] = b
	}
	b.Count++

	if rl.cfg.BurstLimit > 0 {
		sw, ok := rl.bursts[provider]
		if !ok {
			sw = NewSlidingWindow(rl.cfg.BurstLimit, time.Second)
			rl.bursts[provider] = sw
		}
		sw.TakeAt(now)
	}
	return b.Count > limits.MaxRequests
}

func (rl *RateLimiter) statsLocked(provider string) *ProviderStats {
	st, ok := rl.stats[provider]
	if !ok {
		st = &ProviderStats{}
		rl.stats[provider] = st
	}
	return st
}

// execute runs an admitted request and reports the outcome to its callbacks.
func (rl *RateLimiter) execute(req *QueuedRequest) {
	ctx, span := rl.tracer.Start(req.ctx, "ratelimit.execute", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("priority", req.Priority.String()),
		attribute.String("request.id", req.ID),
	))
	defer span.End()

	start := time.Now()
	result, err := rl.call(ctx, req)
	latency := time.Since(start)
	rl.complete(req.Provider, latency, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if req.OnFailure != nil {
			req.OnFailure(err)
		}
		return
	}
	if req.OnSuccess != nil {
		req.OnSuccess(result)
	}
}

func (rl *RateLimiter) call(ctx context.Context, req *QueuedRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request panic: %v", r)
		}
	}()
	return req.Execute(ctx)
}

func (rl *RateLimiter) complete(provider string, latency time.Duration, err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := rl.statsLocked(provider)
	if err == nil {
		st.SuccessfulRequests++
	} else {
		st.FailedRequests++
	}
	n := st.SuccessfulRequests + st.FailedRequests
	st.AverageLatency += (latency - st.AverageLatency) / time.Duration(n)
	rl.metrics.latency.WithLabelValues(provider).Observe(latency.Seconds())

	if err == nil {
		rl.metrics.requests.WithLabelValues(provider, "success").Inc()
		return
	}
	rl.metrics.requests.WithLabelValues(provider, "failure").Inc()

	if !IsRateLimitError(err) {
		return
	}
	st.RateLimitHits++
	rl.metrics.rateLimitHits.WithLabelValues(provider).Inc()
	if !rl.cfg.EnableBackoff || rl.closed {
		return
	}
	delay := rl.applyBackoffLocked(provider, rl.now())
	rl.logger.Warn("Provider throttled, backing off",
		zap.String("provider", provider),
		zap.Duration("delay", delay),
		zap.Error(err))
}

// drain admits queued requests in priority order. A head that cannot be admitted
// stays at the front and ends the cycle.
func (rl *RateLimiter) drain() {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return
	}
	now := rl.now()
	var ready, expired []*QueuedRequest
	for len(ready) < rl.cfg.DrainBatchSize {
		head, ok := rl.queue.peek()
		if !ok {
			break
		}
		if head.expired() {
			rl.queue.pop()
			expired = append(expired, head)
			continue
		}
		if !rl.canMakeLocked(head.Provider, now) {
			break
		}
		rl.queue.pop()
		rl.recordLocked(head.Provider, now)
		st := rl.statsLocked(head.Provider)
		st.TotalRequests++
		st.LastRequest = now
		ready = append(ready, head)
	}
	rl.inflight.Add(len(ready))
	rl.metrics.queueLength.Set(float64(rl.queue.len()))
	rl.mu.Unlock()

	for _, req := range expired {
		if req.OnFailure != nil {
			req.OnFailure(req.ctx.Err())
		}
	}
	for _, req := range ready {
		go func(req *QueuedRequest) {
			defer rl.inflight.Done()
			rl.execute(req)
		}(req)
	}
}

// QueueLength returns the number of requests waiting for admission.
func (rl *RateLimiter) QueueLength() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.queue.len()
}

// BackoffDelay returns the provider's current backoff delay, 0 when not backing off.
func (rl *RateLimiter) BackoffDelay(provider string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if st, ok := rl.backoffs[provider]; ok {
		return st.delay
	}
	return 0
}

// Stats returns a copy of the provider's statistics.
func (rl *RateLimiter) Stats(provider string) ProviderStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if st, ok := rl.stats[provider]; ok {
		return *st
	}
	return ProviderStats{}
}

// Providers returns every provider the limiter has seen, sorted.
func (rl *RateLimiter) Providers() []string {
	rl.mu.Lock()
	out := lo.Union(lo.Keys(rl.budgets), lo.Keys(rl.stats))
	rl.mu.Unlock()
	sort.Strings(out)
	return out
}

// Status returns the provider's budget, backoff and statistics.
func (rl *RateLimiter) Status(provider string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limits := rl.cfg.limitsFor(provider)
	status := RateLimitStatus{
		Provider:    provider,
		Limit:       limits.MaxRequests,
		Remaining:   limits.MaxRequests,
		QueueLength: rl.queue.len(),
	}
	if b, ok := rl.budgets[provider]; ok && now.Before(b.ResetTime) {
		status.Current = b.Count
		status.Remaining = max(0, limits.MaxRequests-b.Count)
		status.WindowStart = b.WindowStart
		status.ResetTime = b.ResetTime
	}
	if rl.cfg.BurstLimit > 0 {
		status.BurstRemaining = rl.cfg.BurstLimit
		if sw, ok := rl.bursts[provider]; ok {
			status.BurstRemaining = sw.RemainingAt(now)
		}
	}
	if st, ok := rl.backoffs[provider]; ok {
		status.BackoffDelay = st.delay
		status.BackoffUntil = st.until
	}
	if st, ok := rl.stats[provider]; ok {
		status.Stats = *st
	}
	return status
}

// Close stops the drain and backoff timers, rejects queued requests with
// ErrLimiterClosed and waits for in-flight requests to finish.
func (rl *RateLimiter) Close() error {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil
	}
	rl.closed = true
	rl.mu.Unlock()

	rl.tasks.Stop()

	rl.mu.Lock()
	pending := rl.queue.drainAll()
	rl.metrics.queueLength.Set(0)
	rl.mu.Unlock()

	for _, req := range pending {
		if req.OnFailure != nil {
			req.OnFailure(ErrLimiterClosed)
		}
	}
	rl.inflight.Wait()
	rl.logger.Info("Rate limiter closed", zap.Int("rejected", len(pending)))
	return nil
}
