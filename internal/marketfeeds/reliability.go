package marketfeeds

import (
	"math"
	"time"

	"github.com/Aidin1998/quotefeed/pkg/models"
)

// Reliability penalties applied by Reliability.
const (
	penaltyMissingField = 0.3
	penaltyNoTimestamp  = 0.2
	penaltyBadValue     = 0.4
	penaltyStale        = 0.3
)

// latencyHorizon is the average source age at which the latency factor of confidence reaches 0.
const latencyHorizon = 5 * time.Second

// Reliability scores a tick in [0,1] from its completeness and freshness at now.
func Reliability(tick models.Tick, src SourceConfig, now time.Time) float64 {
	score := 1.0
	if tick.Price == nil || tick.Volume == nil {
		score -= penaltyMissingField
	}
	if !tick.HasTimestamp() {
		score -= penaltyNoTimestamp
	}
	if (tick.Price != nil && *tick.Price <= 0) || (tick.Volume != nil && *tick.Volume < 0) {
		score -= penaltyBadValue
	}
	if tick.HasTimestamp() && src.MaxLatency > 0 && now.Sub(tick.Timestamp) > src.MaxLatency {
		score -= penaltyStale
	}
	return math.Max(0, math.Min(1, score))
}

// age returns how old a source quote is at now: measured from the tick's own
// timestamp, or from when it was accepted if the source did not stamp it.
func age(q models.SourceQuote, now time.Time) time.Duration {
	ref := q.LastUpdate
	if q.Tick.HasTimestamp() {
		ref = q.Tick.Timestamp
	}
	if d := now.Sub(ref); d > 0 {
		return d
	}
	return 0
}

// confidence averages coverage, mean reliability, latency and price consistency.
func confidence(valid []models.SourceQuote, configured int, now time.Time) float64 {
	if len(valid) == 0 || configured == 0 {
		return 0
	}
	n := float64(len(valid))

	coverage := math.Min(1, n/float64(configured))

	var relSum float64
	var ageSum time.Duration
	prices := make([]float64, 0, len(valid))
	for _, q := range valid {
		relSum += q.Reliability
		ageSum += age(q, now)
		if q.Tick.Price != nil {
			prices = append(prices, *q.Tick.Price)
		}
	}
	meanReliability := relSum / n

	avgAge := ageSum / time.Duration(len(valid))
	latency := math.Max(0, 1-float64(avgAge)/float64(latencyHorizon))

	return (coverage + meanReliability + latency + priceConsistency(prices)) / 4
}

// priceConsistency is 1 - coefficient of variation, floored at 0.
func priceConsistency(prices []float64) float64 {
	if len(prices) <= 1 {
		return 1
	}
	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, p := range prices {
		variance += (p - mean) * (p - mean)
	}
	stddev := math.Sqrt(variance / float64(len(prices)))
	return math.Max(0, 1-stddev/mean)
}
