package marketfeeds

import (
	"time"
)

// SourceConfig describes how much one quote source is trusted.
type SourceConfig struct {
	Name                 string        `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Priority             int           `mapstructure:"priority" yaml:"priority" json:"priority"`
	Weight               float64       `mapstructure:"weight" yaml:"weight" json:"weight" validate:"gte=0"`
	MaxLatency           time.Duration `mapstructure:"max_latency" yaml:"max_latency" json:"max_latency" validate:"gt=0"`
	ReliabilityThreshold float64       `mapstructure:"reliability_threshold" yaml:"reliability_threshold" json:"reliability_threshold" validate:"gte=0,lte=1"`
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// DefaultSourceConfig returns a source trusted with weight 1, 5s max latency and a 0.5 threshold.
func DefaultSourceConfig(name string) SourceConfig {
	return SourceConfig{
		Name:                 name,
		Priority:             1,
		Weight:               1,
		MaxLatency:           5 * time.Second,
		ReliabilityThreshold: 0.5,
		Enabled:              true,
	}
}

// Config holds the aggregator settings.
type Config struct {
	Sources []SourceConfig `mapstructure:"sources" yaml:"sources" json:"sources" validate:"dive"`
}
