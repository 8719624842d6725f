// Package config loads the courier YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultDataDir        = "./data"
	DefaultListenAddr     = "127.0.0.1:8090"
	DefaultBackend        = BackendSQLite
	DefaultTimeout        = 15 * time.Second
	DefaultPacing         = 200 * time.Millisecond
	DefaultDrainInterval  = time.Minute
	DefaultRetention      = 7 * 24 * time.Hour
	DefaultBreakerTrip    = 5
	DefaultBreakerTimeout = 30 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config is the top-level courier configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	// DataDir holds the queue database and the device id file.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the local address of the daemon's HTTP API.
	ListenAddr string `yaml:"listen_addr"`

	Store    StoreConfig    `yaml:"store"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Identity IdentityConfig `yaml:"identity"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects the durable queue backend.
type StoreConfig struct {
	// Backend is one of: sqlite | bolt.
	Backend string `yaml:"backend"`
}

// EndpointConfig describes the remote ingestion endpoint.
type EndpointConfig struct {
	// URL receives one POST per delivery attempt.
	URL string `yaml:"url"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// IdentityConfig says where the bearer token comes from. TokenFile wins
// when both are set.
type IdentityConfig struct {
	// TokenEnv is the name of the environment variable that holds the token.
	TokenEnv string `yaml:"token_env"`

	// TokenFile is re-read on every attempt so an external issuer can
	// rotate it in place.
	TokenFile string `yaml:"token_file"`
}

// DeliveryConfig tunes the delivery processor.
type DeliveryConfig struct {
	// Pacing is the minimum gap between two network attempts.
	Pacing time.Duration `yaml:"pacing"`

	// DrainInterval triggers a drain pass periodically so failed entries
	// are retried without new enqueues. Zero disables it.
	DrainInterval time.Duration `yaml:"drain_interval"`

	// Retention is the age beyond which entries are evicted at startup.
	Retention time.Duration `yaml:"retention"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around the endpoint.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// ClientConfig is metadata attached to every event.
type ClientConfig struct {
	// DeviceID overrides the id persisted in the data directory.
	DeviceID string `yaml:"device_id"`

	// Version overrides the build version.
	Version string `yaml:"version"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is one of: json | console.
	Format string `yaml:"format"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		DataDir:    DefaultDataDir,
		ListenAddr: DefaultListenAddr,
		Store:      StoreConfig{Backend: DefaultBackend},
		Endpoint: EndpointConfig{
			ConnectTimeout: DefaultTimeout,
			WriteTimeout:   DefaultTimeout,
			ReadTimeout:    DefaultTimeout,
		},
		Delivery: DeliveryConfig{
			Pacing:        DefaultPacing,
			DrainInterval: DefaultDrainInterval,
			Retention:     DefaultRetention,
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: DefaultBreakerTrip,
				OpenTimeout:         DefaultBreakerTimeout,
			},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// DatabasePath returns the queue database file for the configured backend.
func (c *Config) DatabasePath() string {
	if c.Store.Backend == BackendBolt {
		return filepath.Join(c.DataDir, "queue.bolt")
	}
	return filepath.Join(c.DataDir, "queue.db")
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch cfg.Store.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", cfg.Store.Backend)
	}
	if cfg.Endpoint.URL == "" {
		return fmt.Errorf("endpoint.url is required")
	}
	u, err := url.Parse(cfg.Endpoint.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint.url %q must be an absolute http(s) URL", cfg.Endpoint.URL)
	}
	if cfg.Endpoint.ConnectTimeout <= 0 || cfg.Endpoint.WriteTimeout <= 0 || cfg.Endpoint.ReadTimeout <= 0 {
		return fmt.Errorf("endpoint timeouts must be positive")
	}
	if cfg.Delivery.Pacing < 0 {
		return fmt.Errorf("delivery.pacing must not be negative")
	}
	if cfg.Delivery.DrainInterval < 0 {
		return fmt.Errorf("delivery.drain_interval must not be negative")
	}
	if cfg.Delivery.Retention <= 0 {
		return fmt.Errorf("delivery.retention must be positive")
	}
	if b := cfg.Delivery.Breaker; b.Enabled && (b.ConsecutiveFailures == 0 || b.OpenTimeout <= 0) {
		return fmt.Errorf("delivery.breaker needs positive consecutive_failures and open_timeout")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	return nil
}
