package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/models"
)

// DistributorConfig controls the fan-out queue.
type DistributorConfig struct {
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size" validate:"gte=0"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout" json:"publish_timeout" validate:"gte=0"`
	QuoteChannel   string        `mapstructure:"quote_channel" yaml:"quote_channel" json:"quote_channel"`
	BarChannel     string        `mapstructure:"bar_channel" yaml:"bar_channel" json:"bar_channel"`
}

func (c DistributorConfig) withDefaults() DistributorConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.QuoteChannel == "" {
		c.QuoteChannel = "quotes"
	}
	if c.BarChannel == "" {
		c.BarChannel = "bars"
	}
	return c
}

type outbound struct {
	kind    string
	channel string
	payload any
}

// Distributor publishes aggregated quotes and closed bars to a PubSubBackend from a
// single worker. Enqueueing never blocks: when the queue is full the message is dropped.
type Distributor struct {
	cfg     DistributorConfig
	backend PubSubBackend
	logger  *zap.Logger
	metrics *distributorMetrics

	mu      sync.RWMutex
	queue   chan outbound
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewDistributor starts the publishing worker.
func NewDistributor(cfg DistributorConfig, backend PubSubBackend, logger *zap.Logger, reg prometheus.Registerer) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	d := &Distributor{
		cfg:     cfg,
		backend: backend,
		logger:  logger.Named("distributor"),
		metrics: newDistributorMetrics(reg),
		queue:   make(chan outbound, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// QuoteChannel returns the channel quotes for symbol are published on.
func (d *Distributor) QuoteChannel(symbol string) string { return d.cfg.QuoteChannel + "." + symbol }

// BarChannel returns the channel bars for symbol are published on.
func (d *Distributor) BarChannel(symbol string) string { return d.cfg.BarChannel + "." + symbol }

// OnAggregate queues an aggregated quote.
func (d *Distributor) OnAggregate(q models.AggregatedQuote) {
	d.enqueue(outbound{kind: "quote", channel: d.QuoteChannel(q.Symbol), payload: q})
}

// OnBar queues a closed bar.
func (d *Distributor) OnBar(bar models.CompressedBar) {
	d.enqueue(outbound{kind: "bar", channel: d.BarChannel(bar.Symbol), payload: bar})
}

// OnError logs compression failures.
func (d *Distributor) OnError(symbol string, err error) {
	d.logger.Warn("Compression error", zap.String("symbol", symbol), zap.Error(err))
}

func (d *Distributor) enqueue(msg outbound) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.dropped.Add(1)
		d.metrics.dropped.Inc()
	}
}

func (d *Distributor) run() {
	defer close(d.done)
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		err := d.backend.Publish(ctx, msg.channel, msg.payload)
		cancel()
		if err != nil {
			d.metrics.failures.Inc()
			d.logger.Warn("Publish failed", zap.String("channel", msg.channel), zap.Error(err))
			continue
		}
		d.metrics.published.WithLabelValues(msg.kind).Inc()
	}
}

// Dropped returns the number of messages dropped on a full queue.
func (d *Distributor) Dropped() int64 { return d.dropped.Load() }

// Close publishes what is queued, then closes the backend.
func (d *Distributor) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.backend.Close()
}
