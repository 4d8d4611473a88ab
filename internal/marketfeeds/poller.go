package marketfeeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
	"github.com/Aidin1998/quotefeed/pkg/schedule"
)

// PollerConfig describes a REST ticker endpoint polled for a fixed set of symbols.
type PollerConfig struct {
	Source string `mapstructure:"source" yaml:"source" json:"source" validate:"required"`
	// URL is the ticker endpoint; "{symbol}" is replaced by the symbol.
	URL      string        `mapstructure:"url" yaml:"url" json:"url" validate:"required"`
	Symbols  []string      `mapstructure:"symbols" yaml:"symbols" json:"symbols"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gte=0"`
	Priority string        `mapstructure:"priority" yaml:"priority" json:"priority" validate:"omitempty,oneof=low normal high critical"`
	// Breaker stops polling an endpoint that keeps failing.
	Breaker ratelimit.BreakerConfig `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
}

// TickSink accepts polled ticks.
type TickSink interface {
	AddTick(tick models.Tick) (models.AggregatedQuote, bool, error)
}

// HTTPError is a non-2xx ticker response.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ticker request failed: %d %s %s", e.Code, http.StatusText(e.Code), e.Body)
}

// StatusCode returns the HTTP status.
func (e *HTTPError) StatusCode() int { return e.Code }

// tickerResponse accepts numbers either as JSON numbers or strings.
type tickerResponse struct {
	Symbol string              `json:"symbol"`
	Price  decimal.NullDecimal `json:"price"`
	Volume decimal.NullDecimal `json:"volume"`
	Bid    decimal.NullDecimal `json:"bid"`
	Ask    decimal.NullDecimal `json:"ask"`
	Time   time.Time           `json:"time"`
}

func nullFloat(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	return models.Float(d.Decimal.InexactFloat64())
}

// Poller fetches ticker snapshots through the rate limiter and feeds them to a sink.
type Poller struct {
	cfg      PollerConfig
	priority ratelimit.Priority
	limiter  *ratelimit.RateLimiter
	breaker  *ratelimit.CircuitBreaker
	sink     TickSink
	client   *http.Client
	logger   *zap.Logger
	polls    *prometheus.CounterVec

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *schedule.Group
}

// NewPoller creates a poller. Start begins periodic polling.
func NewPoller(cfg PollerConfig, limiter *ratelimit.RateLimiter, sink TickSink, logger *zap.Logger, reg prometheus.Registerer) (*Poller, error) {
	if cfg.URL == "" || cfg.Source == "" {
		return nil, errors.Invalid.Explain("poller needs a source and url")
	}
	priority, err := ratelimit.ParsePriority(cfg.Priority)
	if err != nil {
		return nil, errors.Invalid.Wrap(err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("poller").With(zap.String("source", cfg.Source))
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:      cfg,
		priority: priority,
		limiter:  limiter,
		breaker:  ratelimit.NewCircuitBreaker(cfg.Source, cfg.Breaker, logger, ratelimit.WithFailureFilter(upstreamFailure)),
		sink:     sink,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		polls:    newPollCounter(reg),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    schedule.NewGroup(logger),
	}, nil
}

// Start polls every configured interval until Close.
func (p *Poller) Start() {
	p.tasks.Every("poll", p.cfg.Interval, func() {
		if err := p.PollOnce(p.ctx); err != nil {
			p.logger.Warn("Poll cycle failed", zap.Error(err))
		}
	})
}

// upstreamFailure reports whether err counts against the endpoint's circuit
// breaker. Local throttling and provider rate limiting are left to the limiter.
func upstreamFailure(err error) bool {
	return !ratelimit.IsRateLimitError(err) &&
		!errors.Is(err, errors.QueueFullError) &&
		!errors.Is(err, errors.LimiterClosed)
}

// PollOnce fetches every symbol once. Failures of individual symbols are joined.
// Once the endpoint's circuit breaker opens, the remaining symbols are skipped.
func (p *Poller) PollOnce(ctx context.Context) error {
	var errs []error
	for i, symbol := range p.cfg.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var tick models.Tick
		err := p.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			tick, err = ratelimit.Execute(ctx, p.limiter, p.cfg.Source, p.priority, func(ctx context.Context) (models.Tick, error) {
				return p.fetch(ctx, symbol)
			})
			return err
		})
		if errors.Is(err, errors.CircuitOpen) {
			p.polls.WithLabelValues(p.cfg.Source, "skipped").Add(float64(len(p.cfg.Symbols) - i))
			errs = append(errs, err)
			break
		}
		if err != nil {
			p.polls.WithLabelValues(p.cfg.Source, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		p.polls.WithLabelValues(p.cfg.Source, "ok").Inc()
		if _, _, err := p.sink.AddTick(tick); err != nil && !errors.IsRecoverable(err) {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) fetch(ctx context.Context, symbol string) (models.Tick, error) {
	url := strings.ReplaceAll(p.cfg.URL, "{symbol}", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Tick{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Tick{}, errors.ConnectionError.Explain("GET %s", url).Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Tick{}, &HTTPError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var data tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return models.Tick{}, errors.ParseError.Explain("ticker response for %s", symbol).Wrap(err)
	}
	if data.Symbol == "" {
		data.Symbol = symbol
	}
	return models.Tick{
		Symbol:    data.Symbol,
		Price:     nullFloat(data.Price),
		Volume:    nullFloat(data.Volume),
		Bid:       nullFloat(data.Bid),
		Ask:       nullFloat(data.Ask),
		Timestamp: data.Time,
		Source:    p.cfg.Source,
	}, nil
}

// Breaker reports the state of the endpoint's circuit breaker.
func (p *Poller) Breaker() ratelimit.CircuitBreakerMetrics {
	return p.breaker.Metrics()
}

// Close stops polling and waits for a running cycle.
func (p *Poller) Close() error {
	p.cancel()
	p.tasks.Stop()
	return nil
}
