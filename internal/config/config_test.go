package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/quotefeed/pkg/errors"
)

const sampleYAML = `
environment: production
logging:
  level: debug
rate_limit:
  max_requests: 5
  time_window: 2s
  providers:
    slowapi:
      max_requests: 1
      time_window: 10s
compression:
  time_window: 500ms
distribution:
  backend: redis
  redis:
    address: redis:6379
    password: hunter2
sources:
  - name: alpha
    url: wss://alpha.example.com/stream
    api_key: secret
    symbols: [aapl, " msft "]
    priority: 2
    weight: 3
    reliability_threshold: 0
    connection:
      reconnect_interval: 2s
  - name: beta
    url: ws://beta.example.com/ws
    enabled: false
pollers:
  - source: gamma
    url: https://gamma.example.com/ticker/{symbol}
    symbols: [BTC-USD]
    interval: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, cfg.RateLimit.TimeWindow)
	assert.Equal(t, 3, cfg.RateLimit.PriorityLevels["critical"])
	assert.Equal(t, time.Second, cfg.Compression.TimeWindow)
	assert.Equal(t, 5*time.Minute, cfg.Compression.Retention)
	assert.Equal(t, "none", cfg.Distribution.Backend)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.TimeWindow)
	assert.Equal(t, 10, cfg.RateLimit.BurstLimit, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Providers["slowapi"].TimeWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Compression.TimeWindow)

	require.Len(t, cfg.Sources, 2)
	alpha := cfg.Sources[0]
	assert.Equal(t, []string{"AAPL", "MSFT"}, alpha.Symbols)
	assert.Equal(t, 2*time.Second, alpha.Connection.ReconnectInterval)
	assert.Equal(t, 30*time.Second, alpha.Connection.MaxBackoffDelay)
	assert.Equal(t, 10, alpha.Connection.MaxReconnectAttempts)

	feed := alpha.Feed()
	assert.Equal(t, 3.0, feed.Weight)
	assert.Equal(t, 2, feed.Priority)
	assert.Zero(t, feed.ReliabilityThreshold, "an explicit zero threshold is kept")
	assert.True(t, feed.Enabled)

	conn := alpha.WS()
	assert.Equal(t, "alpha", conn.Name)
	assert.Equal(t, "secret", conn.APIKey)

	beta := cfg.Sources[1]
	assert.False(t, beta.IsEnabled())
	assert.Equal(t, 0.5, beta.Feed().ReliabilityThreshold)
	assert.Equal(t, 1.0, beta.Feed().Weight)
	assert.Len(t, cfg.EnabledSources(), 1)

	require.Len(t, cfg.Pollers, 1)
	assert.Equal(t, 5*time.Second, cfg.Pollers[0].Interval)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("QUOTEFEED_SERVER_PORT", "9191")
	t.Setenv("QUOTEFEED_RATE_LIMIT_MAX_REQUESTS", "7")
	t.Setenv("QUOTEFEED_COMPRESSION_TIME_WINDOW", "250ms")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 7, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 250*time.Millisecond, cfg.Compression.TimeWindow)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad environment", "environment: mars\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad backend", "distribution:\n  backend: carrier-pigeon\n"},
		{"source without url", "sources:\n  - name: a\n"},
		{"duplicate sources", "sources:\n  - name: a\n    url: ws://a\n  - name: a\n    url: ws://b\n"},
		{"threshold out of range", "sources:\n  - name: a\n    url: ws://a\n    reliability_threshold: 1.5\n"},
		{"kafka without topic", "distribution:\n  backend: kafka\n  kafka:\n    topic: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.Invalid), "got %v", err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestDumpRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "time_window: 500ms")
	assert.Contains(t, string(out), "<redacted>")
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "secret\n")

	// secrets do not survive the dump
	cfg.Distribution.Redis.Password = redacted
	cfg.Sources[0].APIKey = redacted

	again, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
