// Package marketfeeds folds per-source ticks into one aggregated quote per symbol
// and polls REST endpoints as a fallback feed.
package marketfeeds

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/internal/ws"
	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
)

var (
	// ErrUnknownSource rejects ticks from sources that are not configured or not enabled.
	ErrUnknownSource = errors.UnknownSource.Explain("source not configured")
	// ErrLowReliability rejects ticks scored below their source's threshold.
	ErrLowReliability = errors.DataQualityError.Explain("tick below reliability threshold")
)

// Listener receives every aggregated quote.
type Listener interface {
	OnAggregate(quote models.AggregatedQuote)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(quote models.AggregatedQuote)

func (f ListenerFunc) OnAggregate(quote models.AggregatedQuote) { f(quote) }

// Sink receives the normalized point derived from each aggregated quote.
type Sink interface {
	AddDataPoint(point models.DataPoint) error
}

// SourceStats counts tick outcomes for one source.
type SourceStats struct {
	Accepted        int64     `json:"accepted"`
	Rejected        int64     `json:"rejected"`
	QualityFailures int64     `json:"quality_failures"`
	LastAccepted    time.Time `json:"last_accepted,omitempty"`
}

type symbolState struct {
	mu          sync.Mutex
	quotes      map[string]models.SourceQuote
	latest      *models.AggregatedQuote
	lastCompute time.Time

	// deliver serializes listener and sink delivery for the symbol.
	deliver sync.Mutex
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithListener registers l for aggregated quotes.
func WithListener(l Listener) Option {
	return func(a *Aggregator) { a.listeners = append(a.listeners, l) }
}

// WithSink forwards normalized points to s.
func WithSink(s Sink) Option {
	return func(a *Aggregator) { a.sink = s }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithRegisterer registers the aggregator metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Aggregator) { a.registerer = reg }
}

// Aggregator reconciles ticks from several sources into one quote per symbol.
// State of each symbol is guarded by its own lock, so sources feeding different
// symbols never contend.
type Aggregator struct {
	sources    map[string]SourceConfig
	enabled    int
	logger     *zap.Logger
	listeners  []Listener
	sink       Sink
	now        func() time.Time
	registerer prometheus.Registerer
	metrics    *aggregatorMetrics

	mu      sync.RWMutex
	symbols map[string]*symbolState

	statsMu sync.Mutex
	stats   map[string]*SourceStats
}

var _ ws.Listener = (*Aggregator)(nil)

// NewAggregator creates an aggregator for the configured sources.
func NewAggregator(cfg Config, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		sources: make(map[string]SourceConfig, len(cfg.Sources)),
		logger:  logger.Named("aggregator"),
		now:     time.Now,
		symbols: make(map[string]*symbolState),
		stats:   make(map[string]*SourceStats),
	}
	for _, src := range cfg.Sources {
		a.sources[src.Name] = src
		if src.Enabled {
			a.enabled++
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = newAggregatorMetrics(a.registerer)
	return a
}

// AddTick folds one tick into its symbol's state. It returns the recomputed quote
// and true when at least one source is valid afterwards. Ticks from unknown sources
// and ticks below the source's reliability threshold are rejected with an error.
func (a *Aggregator) AddTick(tick models.Tick) (quote models.AggregatedQuote, emitted bool, err error) {
	src, ok := a.sources[tick.Source]
	if !ok || !src.Enabled {
		a.record(tick.Source, "unknown", func(s *SourceStats) { s.Rejected++ })
		return quote, false, ErrUnknownSource.Wrap(fmt.Errorf("source %q", tick.Source))
	}
	if tick.Symbol == "" {
		a.record(tick.Source, "invalid", func(s *SourceStats) { s.Rejected++ })
		return quote, false, errors.ParseError.Explain("tick without symbol from %s", tick.Source)
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Tick processing panic recovered",
				zap.String("symbol", tick.Symbol),
				zap.String("source", tick.Source),
				zap.Any("panic", r))
			quote, emitted = models.AggregatedQuote{}, false
			err = errors.ParseError.Explain("tick processing failed: %v", r)
		}
	}()

	state := a.state(tick.Symbol)
	quote, emitted, now, err := a.fold(state, tick, src)
	if err != nil {
		a.record(tick.Source, "quality", func(s *SourceStats) { s.QualityFailures++ })
		return quote, false, err
	}
	if emitted {
		defer state.deliver.Unlock()
	}

	a.record(tick.Source, "accepted", func(s *SourceStats) {
		s.Accepted++
		s.LastAccepted = now
	})
	if !emitted {
		return quote, false, nil
	}
	a.publish(quote)
	return quote, true, nil
}

// fold scores tick and recomputes the symbol's quote under its state lock. When a
// quote is emitted, fold returns holding state.deliver so results reach listeners
// in the order they were computed.
func (a *Aggregator) fold(state *symbolState, tick models.Tick, src SourceConfig) (models.AggregatedQuote, bool, time.Time, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	now := a.now()
	if now.Before(state.lastCompute) {
		now = state.lastCompute
	}
	reliability := Reliability(tick, src, now)
	if reliability < src.ReliabilityThreshold {
		return models.AggregatedQuote{}, false, now,
			ErrLowReliability.Wrap(fmt.Errorf("%s %s scored %.2f", tick.Source, tick.Symbol, reliability))
	}
	state.quotes[tick.Source] = models.SourceQuote{
		Source:      tick.Source,
		Tick:        tick,
		Reliability: reliability,
		LastUpdate:  now,
	}
	state.lastCompute = now
	quote, emitted := a.aggregate(tick.Symbol, state.quotes, now)
	if emitted {
		latest := quote
		state.latest = &latest
		state.deliver.Lock()
	}
	return quote, emitted, now, nil
}

// publish hands quote to the listeners and its data point to the sink.
func (a *Aggregator) publish(quote models.AggregatedQuote) {
	a.metrics.confidence.WithLabelValues(quote.Symbol).Set(quote.Confidence)
	for _, l := range a.listeners {
		l.OnAggregate(quote)
	}
	if a.sink == nil {
		return
	}
	point := models.DataPoint{
		Symbol:    quote.Symbol,
		Timestamp: quote.LastUpdate,
		Price:     quote.MidPrice,
		Volume:    quote.TotalVolume,
	}
	if quote.BestBid > 0 {
		point.Bid = models.Float(quote.BestBid)
	}
	if quote.BestAsk > 0 {
		point.Ask = models.Float(quote.BestAsk)
	}
	if err := a.sink.AddDataPoint(point); err != nil {
		a.logger.Warn("Failed to forward data point", zap.String("symbol", quote.Symbol), zap.Error(err))
	}
}

// aggregate recomputes the quote from scratch over the currently valid sources.
func (a *Aggregator) aggregate(symbol string, quotes map[string]models.SourceQuote, now time.Time) (models.AggregatedQuote, bool) {
	valid := make([]models.SourceQuote, 0, len(quotes))
	for _, q := range quotes {
		src, ok := a.sources[q.Source]
		if !ok || !src.Enabled {
			continue
		}
		if q.Reliability >= src.ReliabilityThreshold && age(q, now) <= src.MaxLatency {
			valid = append(valid, q)
		}
	}
	if len(valid) == 0 {
		return models.AggregatedQuote{}, false
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Source < valid[j].Source })

	quote := models.AggregatedQuote{
		Symbol:      symbol,
		SourceCount: len(valid),
		Sources:     make(map[string]models.SourceQuote, len(valid)),
		LastUpdate:  now,
	}
	hasBid, hasAsk := false, false
	var weighted, weights float64
	for _, q := range valid {
		quote.Sources[q.Source] = q
		t := q.Tick
		if t.Bid != nil && (!hasBid || *t.Bid > quote.BestBid) {
			quote.BestBid, hasBid = *t.Bid, true
		}
		if t.Ask != nil && (!hasAsk || *t.Ask < quote.BestAsk) {
			quote.BestAsk, hasAsk = *t.Ask, true
		}
		if t.Volume != nil {
			quote.TotalVolume += *t.Volume
		}
		if t.Price != nil {
			w := a.sources[q.Source].Weight
			weighted += w * *t.Price
			weights += w
		}
	}

	switch {
	case hasBid && hasAsk:
		quote.MidPrice = (quote.BestBid + quote.BestAsk) / 2
		quote.Spread = quote.BestAsk - quote.BestBid
	case weights > 0:
		quote.MidPrice = weighted / weights
	}
	quote.Confidence = confidence(valid, a.enabled, now)
	return quote, true
}

func (a *Aggregator) state(symbol string) *symbolState {
	a.mu.RLock()
	st, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if ok {
		return st
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok = a.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{quotes: make(map[string]models.SourceQuote)}
	a.symbols[symbol] = st
	return st
}

func (a *Aggregator) record(source, outcome string, update func(*SourceStats)) {
	a.metrics.ticks.WithLabelValues(source, outcome).Inc()
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	st, ok := a.stats[source]
	if !ok {
		st = &SourceStats{}
		a.stats[source] = st
	}
	update(st)
}

// Quote returns the latest aggregated quote for symbol.
func (a *Aggregator) Quote(symbol string) (models.AggregatedQuote, bool) {
	a.mu.RLock()
	st, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if !ok {
		return models.AggregatedQuote{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.latest == nil {
		return models.AggregatedQuote{}, false
	}
	return copyQuote(*st.latest), true
}

// Quotes returns the latest quote of every symbol, sorted by symbol.
func (a *Aggregator) Quotes() []models.AggregatedQuote {
	out := make([]models.AggregatedQuote, 0)
	for _, symbol := range a.Symbols() {
		if q, ok := a.Quote(symbol); ok {
			out = append(out, q)
		}
	}
	return out
}

// Symbols returns every symbol seen, sorted.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	symbols := lo.Keys(a.symbols)
	a.mu.RUnlock()
	sort.Strings(symbols)
	return symbols
}

// SourceStats returns a copy of the per-source tick counters.
func (a *Aggregator) SourceStats() map[string]SourceStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return lo.MapValues(a.stats, func(s *SourceStats, _ string) SourceStats { return *s })
}

// Sources returns the configured sources sorted by priority, highest first.
func (a *Aggregator) Sources() []SourceConfig {
	out := lo.Values(a.sources)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func copyQuote(q models.AggregatedQuote) models.AggregatedQuote {
	q.Sources = lo.Assign(q.Sources)
	return q
}

// HandleMessage converts a connection message into a tick and folds it in.
// Rejections are logged and counted; they never stop the feed.
func (a *Aggregator) HandleMessage(msg ws.Message) {
	if p, ok := msg.Payload.(ws.ErrorPayload); ok {
		a.logger.Warn("Source reported error",
			zap.String("source", msg.Source),
			zap.Int("code", p.Code),
			zap.String("message", p.Message))
		return
	}
	tick, ok := ws.TickFromMessage(msg)
	if !ok {
		return
	}
	if _, _, err := a.AddTick(tick); err != nil {
		if errors.IsRecoverable(err) {
			a.logger.Debug("Tick rejected", zap.String("symbol", tick.Symbol), zap.Error(err))
			return
		}
		a.logger.Warn("Tick failed", zap.String("symbol", tick.Symbol), zap.Error(err))
	}
}

// OnMessage implements ws.Listener.
func (a *Aggregator) OnMessage(msg ws.Message) { a.HandleMessage(msg) }

// OnStateChange implements ws.Listener.
func (a *Aggregator) OnStateChange(source string, state ws.ConnectionState) {
	a.logger.Info("Source state changed", zap.String("source", source), zap.Stringer("state", state))
}

// OnError implements ws.Listener.
func (a *Aggregator) OnError(source string, err error) {
	if errors.Is(err, errors.ReconnectExhaustedError) {
		a.logger.Error("Source lost", zap.String("source", source), zap.Error(err))
		return
	}
	a.logger.Debug("Source error", zap.String("source", source), zap.Error(err))
}
