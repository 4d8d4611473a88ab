// config.go: Limiter configuration and defaults
package ratelimit

import (
	"time"
)

// ProviderLimits overrides the default budget for one provider.
type ProviderLimits struct {
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests" json:"max_requests" validate:"gt=0"`
	TimeWindow  time.Duration `mapstructure:"time_window" yaml:"time_window" json:"time_window" validate:"gt=0"`
}

// Config holds the admission control settings.
type Config struct {
	MaxRequests       int                       `mapstructure:"max_requests" yaml:"max_requests" json:"max_requests" validate:"gt=0"`
	TimeWindow        time.Duration             `mapstructure:"time_window" yaml:"time_window" json:"time_window" validate:"gt=0"`
	BurstLimit        int                       `mapstructure:"burst_limit" yaml:"burst_limit" json:"burst_limit" validate:"gte=0"`
	EnableBackoff     bool                      `mapstructure:"enable_backoff" yaml:"enable_backoff" json:"enable_backoff"`
	BackoffMultiplier float64                   `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`
	BaseBackoffDelay  time.Duration             `mapstructure:"base_backoff_delay" yaml:"base_backoff_delay" json:"base_backoff_delay" validate:"gt=0"`
	MaxBackoffDelay   time.Duration             `mapstructure:"max_backoff_delay" yaml:"max_backoff_delay" json:"max_backoff_delay" validate:"gtefield=BaseBackoffDelay"`
	EnableQueue       bool                      `mapstructure:"enable_queue" yaml:"enable_queue" json:"enable_queue"`
	MaxQueueSize      int                       `mapstructure:"max_queue_size" yaml:"max_queue_size" json:"max_queue_size" validate:"gte=0"`
	PriorityLevels    map[string]int            `mapstructure:"priority_levels" yaml:"priority_levels" json:"priority_levels"`
	DrainInterval     time.Duration             `mapstructure:"drain_interval" yaml:"drain_interval" json:"drain_interval" validate:"gt=0"`
	DrainBatchSize    int                       `mapstructure:"drain_batch_size" yaml:"drain_batch_size" json:"drain_batch_size" validate:"gt=0"`
	Providers         map[string]ProviderLimits `mapstructure:"providers" yaml:"providers" json:"providers" validate:"dive"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:       100,
		TimeWindow:        time.Minute,
		BurstLimit:        10,
		EnableBackoff:     true,
		BackoffMultiplier: 2,
		BaseBackoffDelay:  time.Second,
		MaxBackoffDelay:   30 * time.Second,
		EnableQueue:       true,
		MaxQueueSize:      1000,
		PriorityLevels: map[string]int{
			"low":      0,
			"normal":   1,
			"high":     2,
			"critical": 3,
		},
		DrainInterval:  100 * time.Millisecond,
		DrainBatchSize: 5,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = d.TimeWindow
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BaseBackoffDelay <= 0 {
		c.BaseBackoffDelay = d.BaseBackoffDelay
	}
	if c.MaxBackoffDelay <= 0 {
		c.MaxBackoffDelay = d.MaxBackoffDelay
	}
	if c.MaxBackoffDelay < c.BaseBackoffDelay {
		c.BaseBackoffDelay = c.MaxBackoffDelay
	}
	if c.PriorityLevels == nil {
		c.PriorityLevels = d.PriorityLevels
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = d.DrainBatchSize
	}
	return c
}

// limitsFor returns the budget that applies to provider.
func (c Config) limitsFor(provider string) ProviderLimits {
	if p, ok := c.Providers[provider]; ok && p.MaxRequests > 0 && p.TimeWindow > 0 {
		return p
	}
	return ProviderLimits{MaxRequests: c.MaxRequests, TimeWindow: c.TimeWindow}
}

// rank returns the queue rank of p; configured levels override the enum order.
func (c Config) rank(p Priority) int {
	if r, ok := c.PriorityLevels[p.String()]; ok {
		return r
	}
	return int(p)
}
