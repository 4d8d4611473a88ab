// Package pipeline assembles the quote pipeline from configuration: source
// connections and pollers feed the aggregator, which feeds compression, the
// archive and the distributor.
package pipeline

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/internal/config"
	"github.com/Aidin1998/quotefeed/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/quotefeed/internal/marketdata"
	"github.com/Aidin1998/quotefeed/internal/marketfeeds"
	"github.com/Aidin1998/quotefeed/internal/persistence"
	"github.com/Aidin1998/quotefeed/internal/server"
	"github.com/Aidin1998/quotefeed/internal/ws"
	"github.com/Aidin1998/quotefeed/pkg/errors"
)

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	tracer  trace.TracerProvider
	backend marketdata.PubSubBackend
	wsOpts  []ws.Option
}

// WithTracerProvider traces rate-limited requests with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithPubSubBackend overrides the configured distribution backend.
func WithPubSubBackend(b marketdata.PubSubBackend) Option {
	return func(o *options) { o.backend = b }
}

// WithConnectionOptions passes opts to every source connection.
func WithConnectionOptions(opts ...ws.Option) Option {
	return func(o *options) { o.wsOpts = append(o.wsOpts, opts...) }
}

type source struct {
	conn    *ws.ConnectionManager
	symbols []string
}

// Pipeline owns every component of a running quote feed.
type Pipeline struct {
	logger *zap.Logger

	limiter     *ratelimit.RateLimiter
	archive     *persistence.BarArchive
	distributor *marketdata.Distributor
	backend     marketdata.PubSubBackend
	engine      *marketdata.Engine
	aggregator  *marketfeeds.Aggregator
	sources     []source
	pollers     []*marketfeeds.Poller

	closeOnce sync.Once
	closeErr  error
}

// New builds the components described by cfg without connecting anything.
func New(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, opts ...Option) (_ *Pipeline, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline{logger: logger.Named("pipeline")}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	limiterOpts := []ratelimit.Option{ratelimit.WithRegisterer(reg)}
	if o.tracer != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithTracerProvider(o.tracer))
	}
	p.limiter = ratelimit.New(cfg.RateLimit, logger, limiterOpts...)

	engineOpts := []marketdata.Option{marketdata.WithRegisterer(reg)}
	if cfg.Archive.Enabled {
		if p.archive, err = persistence.OpenBarArchive(cfg.Archive, logger); err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, marketdata.WithArchiver(p.archive))
	}

	backend := o.backend
	if backend == nil {
		backend = newBackend(cfg.Distribution, logger)
	}
	aggOpts := []marketfeeds.Option{marketfeeds.WithRegisterer(reg)}
	if backend != nil {
		p.backend = backend
		p.distributor = marketdata.NewDistributor(cfg.Distribution.Queue, backend, logger, reg)
		engineOpts = append(engineOpts, marketdata.WithListener(p.distributor))
		aggOpts = append(aggOpts, marketfeeds.WithListener(p.distributor))
	}

	p.engine = marketdata.NewEngine(cfg.Compression, logger, engineOpts...)
	aggOpts = append(aggOpts, marketfeeds.WithSink(p.engine))
	p.aggregator = marketfeeds.NewAggregator(marketfeeds.Config{Sources: feedSources(cfg)}, logger, aggOpts...)

	wsOpts := append([]ws.Option{ws.WithRegisterer(reg)}, o.wsOpts...)
	for _, src := range cfg.EnabledSources() {
		cm, err := ws.NewConnectionManager(src.WS(), p.aggregator, logger, wsOpts...)
		if err != nil {
			return nil, err
		}
		p.sources = append(p.sources, source{conn: cm, symbols: src.Symbols})
	}

	for _, pc := range cfg.Pollers {
		poller, err := marketfeeds.NewPoller(pc, p.limiter, p.aggregator, logger, reg)
		if err != nil {
			return nil, err
		}
		p.pollers = append(p.pollers, poller)
	}

	p.logger.Info("Pipeline assembled",
		zap.Int("sources", len(p.sources)),
		zap.Int("pollers", len(p.pollers)),
		zap.Bool("archive", p.archive != nil),
		zap.Bool("distribution", p.distributor != nil))
	return p, nil
}

// feedSources returns the aggregator view of every configured source. Pollers
// whose source is not configured get default trust settings.
func feedSources(cfg *config.Config) []marketfeeds.SourceConfig {
	seen := make(map[string]bool)
	var out []marketfeeds.SourceConfig
	for _, s := range cfg.Sources {
		out = append(out, s.Feed())
		seen[s.Name] = true
	}
	for _, pc := range cfg.Pollers {
		if !seen[pc.Source] {
			out = append(out, marketfeeds.DefaultSourceConfig(pc.Source))
			seen[pc.Source] = true
		}
	}
	return out
}

func newBackend(cfg config.DistributionConfig, logger *zap.Logger) marketdata.PubSubBackend {
	switch cfg.Backend {
	case "memory":
		return marketdata.NewMemoryPubSub(cfg.Queue.QueueSize)
	case "redis":
		return marketdata.NewRedisPubSub(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, logger)
	case "kafka":
		return marketdata.NewKafkaPubSub(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}
	return nil
}

// Start subscribes and connects every source and starts the pollers. A source that
// fails its first handshake is left retrying in the background.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, src := range p.sources {
		for _, sym := range src.symbols {
			if err := src.conn.Subscribe(sym); err != nil {
				return err
			}
		}
		if err := src.conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Initial connect failed, retrying in background",
				zap.String("source", src.conn.Name()), zap.Error(err))
			src.conn.Reconnect()
		}
	}
	for _, poller := range p.pollers {
		poller.Start()
	}
	p.logger.Info("Pipeline started")
	return nil
}

// ConnectionStates reports the state of every source connection.
func (p *Pipeline) ConnectionStates() map[string]ws.ConnectionState {
	out := make(map[string]ws.ConnectionState, len(p.sources))
	for _, src := range p.sources {
		out[src.conn.Name()] = src.conn.State()
	}
	return out
}

// Aggregator returns the quote aggregator.
func (p *Pipeline) Aggregator() *marketfeeds.Aggregator { return p.aggregator }

// Engine returns the compression engine.
func (p *Pipeline) Engine() *marketdata.Engine { return p.engine }

// Limiter returns the request rate limiter.
func (p *Pipeline) Limiter() *ratelimit.RateLimiter { return p.limiter }

// ServerDeps exposes the pipeline to the HTTP API.
func (p *Pipeline) ServerDeps(g prometheus.Gatherer) server.Deps {
	deps := server.Deps{
		Quotes:      p.aggregator,
		Bars:        p.engine,
		Limits:      p.limiter,
		Connections: p,
		Gatherer:    g,
	}
	if p.archive != nil {
		deps.Archive = p.archive
	}
	if p.backend != nil {
		deps.Distribution = p.backend
	}
	return deps
}

// Close stops the inputs first and then flushes downstream: pollers and connections,
// then compression (emitting the open windows), distribution, the archive and
// finally the limiter.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		for _, poller := range p.pollers {
			errs = append(errs, poller.Close())
		}
		for _, src := range p.sources {
			errs = append(errs, src.conn.Close())
		}
		if p.engine != nil {
			errs = append(errs, p.engine.Close())
		}
		if p.distributor != nil {
			errs = append(errs, p.distributor.Close())
		}
		if p.archive != nil {
			errs = append(errs, p.archive.Close())
		}
		if p.limiter != nil {
			errs = append(errs, p.limiter.Close())
		}
		p.closeErr = errors.Join(errs...)
		p.logger.Info("Pipeline stopped")
	})
	return p.closeErr
}
