// Package marketdata compresses the aggregated quote stream into bounded OHLCV history,
// serves range queries and exports over it, and fans quotes and bars out to pub/sub.
package marketdata

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/errors"
	"github.com/Aidin1998/quotefeed/pkg/models"
	"github.com/Aidin1998/quotefeed/pkg/schedule"
)

// Config holds the compression settings.
type Config struct {
	TimeWindow              time.Duration `mapstructure:"time_window" yaml:"time_window" json:"time_window" validate:"gt=0"`
	MaxDataPoints           int           `mapstructure:"max_data_points" yaml:"max_data_points" json:"max_data_points" validate:"gt=0"`
	CompressionThreshold    int           `mapstructure:"compression_threshold" yaml:"compression_threshold" json:"compression_threshold" validate:"gt=0"`
	EnableDeltaCompression  bool          `mapstructure:"enable_delta_compression" yaml:"enable_delta_compression" json:"enable_delta_compression"`
	EnableVolumeAggregation bool          `mapstructure:"enable_volume_aggregation" yaml:"enable_volume_aggregation" json:"enable_volume_aggregation"`
	Retention               time.Duration `mapstructure:"retention" yaml:"retention" json:"retention" validate:"gt=0"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval" validate:"gt=0"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TimeWindow:              time.Second,
		MaxDataPoints:           1000,
		CompressionThreshold:    100,
		EnableDeltaCompression:  true,
		EnableVolumeAggregation: true,
		Retention:               5 * time.Minute,
		SweepInterval:           time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TimeWindow <= 0 {
		c.TimeWindow = d.TimeWindow
	}
	if c.MaxDataPoints <= 0 {
		c.MaxDataPoints = d.MaxDataPoints
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// DataKind selects the collection returned by GetData.
type DataKind string

const (
	KindRaw        DataKind = "raw"
	KindCompressed DataKind = "compressed"
)

// ParseDataKind maps a query value to a DataKind; empty means compressed.
func ParseDataKind(s string) (DataKind, error) {
	switch DataKind(s) {
	case "", KindCompressed:
		return KindCompressed, nil
	case KindRaw:
		return KindRaw, nil
	}
	return "", errors.Invalid.Explain("unknown data kind %q", s)
}

// Series is a read-only copy of one symbol's cached data.
type Series struct {
	Symbol string                 `json:"symbol"`
	Kind   DataKind               `json:"kind"`
	Raw    []models.DataPoint     `json:"raw,omitempty"`
	Bars   []models.CompressedBar `json:"bars,omitempty"`
}

// Listener receives closed bars and per-symbol processing errors.
type Listener interface {
	OnBar(bar models.CompressedBar)
	OnError(symbol string, err error)
}

// Archiver stores bars evicted from the cache.
type Archiver interface {
	Archive(symbol string, bars []models.CompressedBar) error
}

// SymbolStats describes one symbol's cache.
type SymbolStats struct {
	Symbol     string    `json:"symbol"`
	RawPoints  int       `json:"raw_points"`
	Bars       int       `json:"bars"`
	Pending    int       `json:"pending"`
	LatePoints int64     `json:"late_points"`
	CacheSize  int64     `json:"cache_size"`
	LastUpdate time.Time `json:"last_update"`
}

// Stats are engine-wide totals.
type Stats struct {
	Symbols     int           `json:"symbols"`
	RawPoints   int           `json:"raw_points"`
	Bars        int           `json:"bars"`
	Pending     int           `json:"pending"`
	CacheSize   int64         `json:"cache_size"`
	BarsEmitted int64         `json:"bars_emitted"`
	Archived    int64         `json:"archived"`
	PerSymbol   []SymbolStats `json:"per_symbol"`
}

var (
	// ErrEngineClosed rejects points added after Close.
	ErrEngineClosed = errors.New("compression engine closed")
	// ErrProcessing reports a failed batch for one symbol.
	ErrProcessing = errors.New("compression failed")
)

// Option configures an Engine.
type Option func(*Engine)

// WithListener registers l for bars and errors.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// WithArchiver stores evicted bars in a.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRegisterer registers the engine metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// Engine batches data points per symbol and folds them into OHLCV bars.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	listeners  []Listener
	archiver   Archiver
	now        func() time.Time
	registerer prometheus.Registerer
	metrics    *engineMetrics

	mu      sync.RWMutex
	symbols map[string]*symbolCache
	closed  bool

	emitted  atomic.Int64
	archived atomic.Int64
	tasks    *schedule.Group
}

// NewEngine creates an engine and starts its compression and sweep timers.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("compression"),
		now:     time.Now,
		symbols: make(map[string]*symbolCache),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newEngineMetrics(e.registerer)
	e.tasks = schedule.NewGroup(e.logger)
	e.tasks.Every("compress", e.cfg.TimeWindow, func() { e.processAll(false) })
	e.tasks.Every("sweep", e.cfg.SweepInterval, e.Sweep)
	return e
}

// AddDataPoint stores p in the raw buffer and queues it for compression.
// Reaching the compression threshold processes the symbol immediately.
func (e *Engine) AddDataPoint(p models.DataPoint) error {
	if p.Symbol == "" {
		return errors.Invalid.Explain("data point without symbol")
	}
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || math.IsNaN(p.Volume) {
		return errors.Invalid.Explain("non-finite data point for %s", p.Symbol)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.now()
	}

	c, err := e.cache(p.Symbol)
	if err != nil {
		return err
	}
	c.mu.Lock()
	evicted := c.storeRaw(copyPoint(p), e.cfg.EnableDeltaCompression, e.cfg.MaxDataPoints)
	c.pending = append(c.pending, p)
	c.lastUpdate = e.now()
	due := len(c.pending) >= e.cfg.CompressionThreshold
	c.mu.Unlock()

	e.metrics.points.Inc()
	if evicted > 0 {
		e.metrics.evicted.WithLabelValues("raw").Add(float64(evicted))
	}
	if due {
		e.process(p.Symbol, c, false)
	}
	return nil
}

func (e *Engine) cache(symbol string) (*symbolCache, error) {
	e.mu.RLock()
	c, ok := e.symbols[symbol]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}
	if ok {
		return c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if c, ok = e.symbols[symbol]; ok {
		return c, nil
	}
	c = newSymbolCache()
	e.symbols[symbol] = c
	return c, nil
}

func (e *Engine) snapshot() map[string]*symbolCache {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*symbolCache, len(e.symbols))
	for s, c := range e.symbols {
		out[s] = c
	}
	return out
}

func (e *Engine) processAll(force bool) {
	for symbol, c := range e.snapshot() {
		e.process(symbol, c, force)
	}
}

// process compresses one symbol's pending batch and delivers the result. A
// failure, including one raised by a listener, is reported for that symbol only.
func (e *Engine) process(symbol string, c *symbolCache, force bool) {
	defer func() {
		if r := recover(); r != nil {
			err := ErrProcessing.Explain("symbol %s: %v", symbol, r)
			e.logger.Error("Compression failed", zap.String("symbol", symbol), zap.Any("panic", r))
			e.metrics.errors.Inc()
			for _, l := range e.listeners {
				l.OnError(symbol, err)
			}
		}
	}()

	closed, evicted := e.compress(symbol, c, force)
	e.archive(symbol, evicted)
	e.emit(closed)
}

// compress folds the pending points into the open window and returns the bars
// it closed and the bars evicted by the cache cap.
func (e *Engine) compress(symbol string, c *symbolCache, force bool) (closed, evicted []models.CompressedBar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := e.now()
	if len(c.pending) == 0 && (c.open == nil || (!force && now.Before(c.open.end(e.cfg.TimeWindow)))) {
		return nil, nil
	}

	batch := foldBatch(symbol, c.pending, c.open, c.barEnd, e.cfg.TimeWindow, e.cfg.EnableVolumeAggregation,
		func(end time.Time) bool { return force || !now.Before(end) })
	c.pending = c.pending[:0]
	c.open = batch.open
	c.late += int64(batch.late)
	if n := len(batch.closed); n > 0 {
		c.barEnd = batch.closed[n-1].WindowStart.Add(e.cfg.TimeWindow)
	}
	if batch.late > 0 {
		e.metrics.late.Add(float64(batch.late))
	}
	return batch.closed, c.storeBars(batch.closed, e.cfg.MaxDataPoints)
}

func (e *Engine) emit(bars []models.CompressedBar) {
	if len(bars) == 0 {
		return
	}
	e.emitted.Add(int64(len(bars)))
	e.metrics.bars.Add(float64(len(bars)))
	for _, b := range bars {
		for _, l := range e.listeners {
			l.OnBar(b)
		}
	}
}

func (e *Engine) archive(symbol string, bars []models.CompressedBar) {
	if len(bars) == 0 {
		return
	}
	e.metrics.evicted.WithLabelValues("bars").Add(float64(len(bars)))
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(symbol, bars); err != nil {
		e.logger.Warn("Failed to archive bars", zap.String("symbol", symbol), zap.Int("bars", len(bars)), zap.Error(err))
		return
	}
	e.archived.Add(int64(len(bars)))
}

// Flush force-closes every pending window.
func (e *Engine) Flush() {
	e.processAll(true)
}

// Sweep drops data older than the retention window and forgets empty symbols.
func (e *Engine) Sweep() {
	cutoff := e.now().Add(-e.cfg.Retention)
	for symbol, c := range e.snapshot() {
		c.mu.Lock()
		dropped, bars := c.sweep(cutoff)
		empty := c.empty()
		c.mu.Unlock()

		if dropped > 0 {
			e.metrics.evicted.WithLabelValues("raw").Add(float64(dropped))
		}
		e.archive(symbol, bars)
		if empty {
			e.forget(symbol, c)
		}
	}
}

func (e *Engine) forget(symbol string, c *symbolCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.symbols[symbol] != c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.empty() {
		delete(e.symbols, symbol)
		e.logger.Debug("Symbol evicted from cache", zap.String("symbol", symbol))
	}
}

// GetData returns a copy of symbol's raw points or bars inside r (nil for all).
func (e *Engine) GetData(symbol string, kind DataKind, r *models.TimeRange) (Series, error) {
	e.mu.RLock()
	c, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return Series{}, errors.NotFound.Explain("no data for symbol %s", symbol)
	}

	series := Series{Symbol: symbol, Kind: kind}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case KindRaw:
		series.Raw = c.rawRange(r)
	case KindCompressed:
		series.Bars = c.barRange(r)
	default:
		return Series{}, errors.Invalid.Explain("unknown data kind %q", kind)
	}
	return series, nil
}

// Symbols returns the cached symbols, sorted.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CacheSize returns the approximate byte size of symbol's cache.
func (e *Engine) CacheSize(symbol string) int64 {
	e.mu.RLock()
	c, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size()
}

// Stats returns cache totals and per-symbol details.
func (e *Engine) Stats() Stats {
	stats := Stats{
		BarsEmitted: e.emitted.Load(),
		Archived:    e.archived.Load(),
	}
	for _, symbol := range e.Symbols() {
		e.mu.RLock()
		c, ok := e.symbols[symbol]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		c.mu.Lock()
		s := SymbolStats{
			Symbol:     symbol,
			RawPoints:  c.raw.Len(),
			Bars:       c.bars.Len(),
			Pending:    c.unclosed(),
			LatePoints: c.late,
			CacheSize:  c.size(),
			LastUpdate: c.lastUpdate,
		}
		c.mu.Unlock()

		stats.Symbols++
		stats.RawPoints += s.RawPoints
		stats.Bars += s.Bars
		stats.Pending += s.Pending
		stats.CacheSize += s.CacheSize
		stats.PerSymbol = append(stats.PerSymbol, s)
	}
	e.metrics.cacheSize.Set(float64(stats.CacheSize))
	return stats
}

// Close stops the timers and force-closes every pending window.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.tasks.Stop()
	e.Flush()
	e.logger.Info("Compression engine closed", zap.Int64("bars_emitted", e.emitted.Load()))
	return nil
}
