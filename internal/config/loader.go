package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/quotefeed/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/quotefeed/internal/marketdata"
	"github.com/Aidin1998/quotefeed/internal/ws"
	"github.com/Aidin1998/quotefeed/pkg/errors"
)

// Load reads the configuration. An explicit path must exist; otherwise config.yaml is
// searched in ., ./configs and /etc/quotefeed and defaults apply when none is found.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/quotefeed")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	return decode(v)
}

// Default returns the built-in configuration, ignoring files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applySourceDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "quotefeed")

	rl := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.max_requests", rl.MaxRequests)
	v.SetDefault("rate_limit.time_window", rl.TimeWindow)
	v.SetDefault("rate_limit.burst_limit", rl.BurstLimit)
	v.SetDefault("rate_limit.enable_backoff", rl.EnableBackoff)
	v.SetDefault("rate_limit.backoff_multiplier", rl.BackoffMultiplier)
	v.SetDefault("rate_limit.base_backoff_delay", rl.BaseBackoffDelay)
	v.SetDefault("rate_limit.max_backoff_delay", rl.MaxBackoffDelay)
	v.SetDefault("rate_limit.enable_queue", rl.EnableQueue)
	v.SetDefault("rate_limit.max_queue_size", rl.MaxQueueSize)
	v.SetDefault("rate_limit.priority_levels", rl.PriorityLevels)
	v.SetDefault("rate_limit.drain_interval", rl.DrainInterval)
	v.SetDefault("rate_limit.drain_batch_size", rl.DrainBatchSize)

	cmp := marketdata.DefaultConfig()
	v.SetDefault("compression.time_window", cmp.TimeWindow)
	v.SetDefault("compression.max_data_points", cmp.MaxDataPoints)
	v.SetDefault("compression.compression_threshold", cmp.CompressionThreshold)
	v.SetDefault("compression.enable_delta_compression", cmp.EnableDeltaCompression)
	v.SetDefault("compression.enable_volume_aggregation", cmp.EnableVolumeAggregation)
	v.SetDefault("compression.retention", cmp.Retention)
	v.SetDefault("compression.sweep_interval", cmp.SweepInterval)

	v.SetDefault("distribution.backend", "none")
	v.SetDefault("distribution.queue.queue_size", 4096)
	v.SetDefault("distribution.queue.publish_timeout", 2*time.Second)
	v.SetDefault("distribution.queue.quote_channel", "quotes")
	v.SetDefault("distribution.queue.bar_channel", "bars")
	v.SetDefault("distribution.redis.address", "localhost:6379")
	v.SetDefault("distribution.redis.password", "")
	v.SetDefault("distribution.redis.db", 0)
	v.SetDefault("distribution.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("distribution.kafka.topic", "quotefeed")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", "")
	v.SetDefault("archive.ttl", 24*time.Hour)
}

// applySourceDefaults fills unset per-source fields; list entries get no viper defaults.
func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		d := ws.DefaultConfig(s.Name, s.URL)
		conn := &s.Connection
		if conn.ReconnectInterval <= 0 {
			conn.ReconnectInterval = d.ReconnectInterval
		}
		if conn.MaxReconnectAttempts == 0 {
			conn.MaxReconnectAttempts = d.MaxReconnectAttempts
		}
		if conn.MaxBackoffDelay <= 0 {
			conn.MaxBackoffDelay = max(d.MaxBackoffDelay, conn.ReconnectInterval)
		}
		if conn.HeartbeatInterval == 0 {
			conn.HeartbeatInterval = d.HeartbeatInterval
		}
		if conn.Timeout <= 0 {
			conn.Timeout = d.Timeout
		}
		if conn.WriteTimeout <= 0 {
			conn.WriteTimeout = d.WriteTimeout
		}
		if conn.ReadLimit <= 0 {
			conn.ReadLimit = d.ReadLimit
		}

		if s.Weight == 0 {
			s.Weight = 1
		}
		if s.MaxLatency <= 0 {
			s.MaxLatency = 5 * time.Second
		}
		for j, sym := range s.Symbols {
			s.Symbols[j] = strings.ToUpper(strings.TrimSpace(sym))
		}
	}
}

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Invalid.Explain("configuration validation failed").Wrap(err)
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.Name] {
			return errors.Invalid.Explain("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
	}
	switch c.Distribution.Backend {
	case "redis":
		if c.Distribution.Redis.Address == "" {
			return errors.Invalid.Explain("redis distribution requires distribution.redis.address")
		}
	case "kafka":
		if len(c.Distribution.Kafka.Brokers) == 0 || c.Distribution.Kafka.Topic == "" {
			return errors.Invalid.Explain("kafka distribution requires brokers and a topic")
		}
	}
	return nil
}

// Dump renders the effective configuration as YAML. Durations are written in
// time.Duration notation and secrets are masked.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(plain(reflect.ValueOf(*c)))
}

const redacted = "<redacted>"

// plain converts v into maps keyed by yaml tag names.
func plain(v reflect.Value) any {
	if d, ok := v.Interface().(time.Duration); ok {
		return d.String()
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return plain(v.Elem())
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "" || name == "-" {
				continue
			}
			fv := v.Field(i)
			if absent(fv) {
				continue
			}
			if f.Tag.Get("json") == "-" {
				if !fv.IsZero() {
					out[name] = redacted
				}
				continue
			}
			out[name] = plain(fv)
		}
		return out
	case reflect.Slice:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = plain(v.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = plain(iter.Value())
		}
		return out
	}
	return v.Interface()
}

func absent(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer:
		return v.IsNil()
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	}
	return false
}
