package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvAPIKey    = "KRAKEN_API_KEY"
	EnvAPISecret = "KRAKEN_API_SECRET"
)

// BookDepths are the book depths the exchange accepts on subscribe. The
// smallest still covers the ten levels the checksum reads.
var BookDepths = []int{10, 25, 100, 500, 1000}

// ValidDepth reports whether depth is one of BookDepths
func ValidDepth(depth int) bool {
	for _, d := range BookDepths {
		if d == depth {
			return true
		}
	}
	return false
}

// Config holds all application configuration
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Kraken  KrakenConfig  `yaml:"kraken"`
	Session SessionConfig `yaml:"session"`
	Server  ServerConfig  `yaml:"server"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
}

type ClientConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// KrakenConfig holds endpoints and REST transport settings
type KrakenConfig struct {
	PublicWSURL  string        `yaml:"public_ws_url"`
	PrivateWSURL string        `yaml:"private_ws_url"`
	RestURL      string        `yaml:"rest_url"`
	RestTimeout  time.Duration `yaml:"rest_timeout"`
	RestRate     float64       `yaml:"rest_rate_per_second"`
	RestBurst    int           `yaml:"rest_burst"`
	UserAgent    string        `yaml:"user_agent"`
	APIKey       string        `yaml:"api_key"`
	APISecret    string        `yaml:"api_secret"`
}

// HasCredentials reports whether the private channel should be used.
func (k KrakenConfig) HasCredentials() bool {
	return k.APIKey != "" && k.APISecret != ""
}

// SessionConfig holds the order book and connection lifecycle settings
type SessionConfig struct {
	Pairs                   []string      `yaml:"pairs"`
	Depth                   int           `yaml:"depth"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	OrdersRef               string        `yaml:"orders_ref"`
	OrderbookUpdateInterval time.Duration `yaml:"orderbook_update_interval"`
	AddOrderTimeout         time.Duration `yaml:"add_order_timeout"`
	CancelOrderTimeout      time.Duration `yaml:"cancel_order_timeout"`
	CancelOrdersOnExit      bool          `yaml:"cancel_orders_on_exit"`
	CompressDecimals        int32         `yaml:"compress_decimals"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when no file overrides a value
func Default() Config {
	return Config{
		Client: ClientConfig{
			Name:    "krakenclient",
			Version: "dev",
		},
		Kraken: KrakenConfig{
			PublicWSURL:  "wss://ws.kraken.com",
			PrivateWSURL: "wss://ws-auth.kraken.com",
			RestURL:      "https://api.kraken.com",
			RestTimeout:  5 * time.Second,
			RestRate:     1,
			RestBurst:    5,
			UserAgent:    "Kraken Wrapper",
		},
		Session: SessionConfig{
			Depth:                   25,
			PingInterval:            15 * time.Second,
			OrdersRef:               "0",
			OrderbookUpdateInterval: 5 * time.Second,
			CancelOrderTimeout:      2 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8086",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads a YAML file on top of Default, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides credentials from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Kraken.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Kraken.APISecret = strings.TrimSpace(v)
	}
}

// Validate checks the values the session depends on.
func (c *Config) Validate() error {
	if c.Kraken.PublicWSURL == "" {
		return fmt.Errorf("kraken.public_ws_url is required")
	}
	if c.Kraken.HasCredentials() && c.Kraken.PrivateWSURL == "" {
		return fmt.Errorf("kraken.private_ws_url is required when credentials are set")
	}
	if c.Kraken.RestURL == "" {
		return fmt.Errorf("kraken.rest_url is required")
	}
	if c.Kraken.RestRate <= 0 {
		return fmt.Errorf("kraken.rest_rate_per_second must be greater than 0")
	}
	if !ValidDepth(c.Session.Depth) {
		return fmt.Errorf("session.depth must be one of %v, got %d", BookDepths, c.Session.Depth)
	}
	if c.Session.PingInterval <= 0 {
		return fmt.Errorf("session.ping_interval must be greater than 0")
	}
	if c.Session.OrderbookUpdateInterval < 0 {
		return fmt.Errorf("session.orderbook_update_interval must not be negative")
	}
	if c.Session.AddOrderTimeout < 0 || c.Session.CancelOrderTimeout < 0 {
		return fmt.Errorf("session order timeouts must not be negative")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}
	return nil
}

// SetPairs replaces the configured trading pairs
func (c *Config) SetPairs(pairs []string) {
	c.Session.Pairs = pairs
}

// SetDepth updates the book depth
func (c *Config) SetDepth(depth int) {
	c.Session.Depth = depth
}
