package ws

import (
	"time"
)

// Config holds the settings of one source connection.
type Config struct {
	// Name identifies the source; it is stamped on messages that carry no source.
	Name                 string        `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	URL                  string        `mapstructure:"url" yaml:"url" json:"url" validate:"required,url"`
	APIKey               string        `mapstructure:"api_key" yaml:"api_key" json:"-"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval" json:"reconnect_interval" validate:"gt=0"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=0"`
	MaxBackoffDelay      time.Duration `mapstructure:"max_backoff_delay" yaml:"max_backoff_delay" json:"max_backoff_delay" validate:"gtefield=ReconnectInterval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval" validate:"gte=0"`
	Timeout              time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gt=0"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ReadLimit            int64         `mapstructure:"read_limit" yaml:"read_limit" json:"read_limit" validate:"gte=0"`
}

// DefaultConfig returns production defaults for a source named name at url.
func DefaultConfig(name, url string) Config {
	return Config{
		Name:                 name,
		URL:                  url,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		MaxBackoffDelay:      30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		Timeout:              10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadLimit:            1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name, c.URL)
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.MaxBackoffDelay < c.ReconnectInterval {
		c.MaxBackoffDelay = max(d.MaxBackoffDelay, c.ReconnectInterval)
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// reconnectDelay returns the wait before reconnect attempt n (1-based).
func (c Config) reconnectDelay(attempt int) time.Duration {
	delay := c.ReconnectInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoffDelay {
			return c.MaxBackoffDelay
		}
	}
	return min(delay, c.MaxBackoffDelay)
}
