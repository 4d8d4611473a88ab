package models

import (
	"time"
)

// Tick is one raw price/volume observation from one source at one instant.
// Optional numeric fields are nil when the source did not report them and a zero
// Timestamp means the source did not stamp the observation.
type Tick struct {
	Symbol    string    `json:"symbol" validate:"required"`
	Price     *float64  `json:"price,omitempty"`
	Volume    *float64  `json:"volume,omitempty"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	BidSize   *float64  `json:"bidSize,omitempty"`
	AskSize   *float64  `json:"askSize,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source" validate:"required"`
}

// HasTimestamp reports whether the source stamped the tick.
func (t Tick) HasTimestamp() bool { return !t.Timestamp.IsZero() }

// SourceQuote is the latest accepted tick from one source for one symbol.
type SourceQuote struct {
	Source      string    `json:"source"`
	Tick        Tick      `json:"tick"`
	Reliability float64   `json:"reliability"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// AggregatedQuote is the reconciled view of a symbol across all currently valid sources.
// BestBid and BestAsk are 0 when no valid source reported that side; Spread is only
// non-zero when both are present and may be negative for crossed markets.
type AggregatedQuote struct {
	Symbol      string                 `json:"symbol"`
	BestBid     float64                `json:"bestBid"`
	BestAsk     float64                `json:"bestAsk"`
	MidPrice    float64                `json:"midPrice"`
	Spread      float64                `json:"spread"`
	TotalVolume float64                `json:"totalVolume"`
	SourceCount int                    `json:"sourceCount"`
	Confidence  float64                `json:"confidence"`
	Sources     map[string]SourceQuote `json:"sources"`
	LastUpdate  time.Time              `json:"lastUpdate"`
}

// HasBidAsk reports whether both sides of the book are defined.
func (q AggregatedQuote) HasBidAsk() bool { return q.BestBid > 0 && q.BestAsk > 0 }

// DataPoint is the normalized point the aggregator forwards for compression.
type DataPoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
}

// CompressedBar is one OHLCV window.
type CompressedBar struct {
	Symbol      string    `json:"symbol"`
	WindowStart time.Time `json:"windowStart"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	TradeCount  int       `json:"tradeCount"`
}

// TimeRange is an inclusive time filter. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Float returns a pointer to v, for building ticks with optional fields.
func Float(v float64) *float64 { return &v }
