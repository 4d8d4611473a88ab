// Package config loads the quotefeed configuration from YAML files and QUOTEFEED_* environment variables.
package config

import (
	"time"

	"github.com/Aidin1998/quotefeed/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/quotefeed/internal/marketdata"
	"github.com/Aidin1998/quotefeed/internal/marketfeeds"
	"github.com/Aidin1998/quotefeed/internal/persistence"
	"github.com/Aidin1998/quotefeed/internal/ws"
)

// EnvPrefix prefixes every environment override, e.g. QUOTEFEED_SERVER_PORT.
const EnvPrefix = "QUOTEFEED"

// Config is the complete process configuration.
type Config struct {
	Environment  string                     `mapstructure:"environment" yaml:"environment" json:"environment" validate:"required,oneof=development staging production"`
	Logging      LoggingConfig              `mapstructure:"logging" yaml:"logging" json:"logging"`
	Server       ServerConfig               `mapstructure:"server" yaml:"server" json:"server"`
	Tracing      TracingConfig              `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	RateLimit    ratelimit.Config           `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Compression  marketdata.Config          `mapstructure:"compression" yaml:"compression" json:"compression"`
	Distribution DistributionConfig         `mapstructure:"distribution" yaml:"distribution" json:"distribution"`
	Archive      persistence.ArchiveConfig  `mapstructure:"archive" yaml:"archive" json:"archive"`
	Sources      []SourceConfig             `mapstructure:"sources" yaml:"sources" json:"sources" validate:"dive"`
	Pollers      []marketfeeds.PollerConfig `mapstructure:"pollers" yaml:"pollers" json:"pollers" validate:"dive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"required,oneof=json console"`
}

// ServerConfig holds the HTTP query API settings.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host" json:"host"`
	Port            int           `mapstructure:"port" yaml:"port" json:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// TracingConfig enables the stdout span exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name" validate:"required"`
}

// DistributionConfig selects the pub/sub backend quotes and bars are fanned out to.
type DistributionConfig struct {
	Backend string                       `mapstructure:"backend" yaml:"backend" json:"backend" validate:"oneof=none memory redis kafka"`
	Queue   marketdata.DistributorConfig `mapstructure:"queue" yaml:"queue" json:"queue"`
	Redis   RedisConfig                  `mapstructure:"redis" yaml:"redis" json:"redis"`
	Kafka   KafkaConfig                  `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address" json:"address"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db" validate:"gte=0"`
}

// KafkaConfig holds kafka connection settings.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic" json:"topic"`
}

// SourceConfig describes one streaming quote source: where to connect, what to
// subscribe to and how far to trust it.
type SourceConfig struct {
	Name                 string           `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	URL                  string           `mapstructure:"url" yaml:"url" json:"url" validate:"required,url"`
	APIKey               string           `mapstructure:"api_key" yaml:"api_key" json:"-"`
	Symbols              []string         `mapstructure:"symbols" yaml:"symbols" json:"symbols" validate:"dive,required"`
	Enabled              *bool            `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Priority             int              `mapstructure:"priority" yaml:"priority" json:"priority"`
	Weight               float64          `mapstructure:"weight" yaml:"weight" json:"weight" validate:"gte=0"`
	MaxLatency           time.Duration    `mapstructure:"max_latency" yaml:"max_latency" json:"max_latency" validate:"gt=0"`
	ReliabilityThreshold *float64         `mapstructure:"reliability_threshold" yaml:"reliability_threshold" json:"reliability_threshold" validate:"omitempty,gte=0,lte=1"`
	Connection           ConnectionConfig `mapstructure:"connection" yaml:"connection" json:"connection"`
}

// ConnectionConfig holds the reconnect and heartbeat timings of a source connection.
type ConnectionConfig struct {
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval" json:"reconnect_interval" validate:"gt=0"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts" json:"max_reconnect_attempts" validate:"gte=0"`
	MaxBackoffDelay      time.Duration `mapstructure:"max_backoff_delay" yaml:"max_backoff_delay" json:"max_backoff_delay" validate:"gtefield=ReconnectInterval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval" validate:"gte=0"`
	Timeout              time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout" validate:"gt=0"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ReadLimit            int64         `mapstructure:"read_limit" yaml:"read_limit" json:"read_limit" validate:"gte=0"`
}

// IsEnabled reports whether the source should be connected. Sources are enabled unless disabled explicitly.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Feed returns the aggregator view of the source.
func (s SourceConfig) Feed() marketfeeds.SourceConfig {
	feed := marketfeeds.DefaultSourceConfig(s.Name)
	feed.Priority = s.Priority
	feed.Weight = s.Weight
	feed.MaxLatency = s.MaxLatency
	feed.Enabled = s.IsEnabled()
	if s.ReliabilityThreshold != nil {
		feed.ReliabilityThreshold = *s.ReliabilityThreshold
	}
	return feed
}

// WS returns the connection settings of the source.
func (s SourceConfig) WS() ws.Config {
	return ws.Config{
		Name:                 s.Name,
		URL:                  s.URL,
		APIKey:               s.APIKey,
		ReconnectInterval:    s.Connection.ReconnectInterval,
		MaxReconnectAttempts: s.Connection.MaxReconnectAttempts,
		MaxBackoffDelay:      s.Connection.MaxBackoffDelay,
		HeartbeatInterval:    s.Connection.HeartbeatInterval,
		Timeout:              s.Connection.Timeout,
		WriteTimeout:         s.Connection.WriteTimeout,
		ReadLimit:            s.Connection.ReadLimit,
	}
}

// EnabledSources returns the sources that should be connected.
func (c *Config) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
