package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	path := writeTempConfig(t, `session:
  pairs: ["XBT/USD", "ETH/EUR"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"XBT/USD", "ETH/EUR"}, cfg.Session.Pairs)
	assert.Equal(t, 25, cfg.Session.Depth)
	assert.Equal(t, 15*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, 2*time.Second, cfg.Session.CancelOrderTimeout)
	assert.Zero(t, cfg.Session.AddOrderTimeout)
	assert.Equal(t, "wss://ws.kraken.com", cfg.Kraken.PublicWSURL)
	assert.False(t, cfg.Kraken.HasCredentials())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, " key ")
	t.Setenv(EnvAPISecret, "c2VjcmV0")
	path := writeTempConfig(t, `session:
  depth: 100
  ping_interval: 5s
  add_order_timeout: 3s
  orders_ref: "42"
logging:
  level: debug
  format: text
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Session.Depth)
	assert.Equal(t, 5*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.Session.AddOrderTimeout)
	assert.Equal(t, "42", cfg.Session.OrdersRef)
	assert.Equal(t, "key", cfg.Kraken.APIKey)
	assert.True(t, cfg.Kraken.HasCredentials())
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "default", mutate: func(*Config) {}, valid: true},
		{name: "shallow depth", mutate: func(c *Config) { c.Session.Depth = 5 }},
		{name: "depth not offered by the exchange", mutate: func(c *Config) { c.Session.Depth = 50 }},
		{name: "depth 10", mutate: func(c *Config) { c.Session.Depth = 10 }, valid: true},
		{name: "depth 1000", mutate: func(c *Config) { c.Session.Depth = 1000 }, valid: true},
		{name: "zero ping", mutate: func(c *Config) { c.Session.PingInterval = 0 }},
		{name: "negative cancel timeout", mutate: func(c *Config) { c.Session.CancelOrderTimeout = -time.Second }},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Topic = "events" }},
		{name: "kafka complete", mutate: func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Topic = "events"
			c.Kafka.Brokers = []string{"localhost:9092"}
		}, valid: true},
		{name: "no rest rate", mutate: func(c *Config) { c.Kraken.RestRate = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
