package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's configuration model. It captures the acting user,
// the remote API endpoint, cache freshness windows, and retry strategy.
type Config struct {
	Actor   ActorConfig   `yaml:"actor"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Retry   RetryConfig   `yaml:"retry"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ActorConfig struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
}

type APIConfig struct {
	BaseURL string `yaml:"baseUrl"`
	// Bearer token for the remote store. If empty, read from env TALLY_API_TOKEN.
	Token string `yaml:"token"`
	// Requests per second and burst for the client-side rate limiter.
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
	// Per-call timeout in seconds; a call exceeding it counts as transient.
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
}

type CacheConfig struct {
	// Freshness window for composed feed pages.
	FeedTTLSeconds int `yaml:"feedTtlSeconds"`
	// Freshness window for counter snapshots.
	CounterTTLSeconds int `yaml:"counterTtlSeconds"`
	// Feed page size requested from the remote store.
	FeedPageSize int `yaml:"feedPageSize"`
}

type RetryConfig struct {
	// Max attempts per remote mutation before rolling back.
	MaxAttempts int `yaml:"maxAttempts"`
	// Initial backoff in milliseconds, doubled per attempt.
	BaseBackoffMS int `yaml:"baseBackoffMs"`
}

type MetricsConfig struct {
	// Address for the optional /metrics server, e.g. ":9090". Empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Actor:   ActorConfig{},
		API:     APIConfig{BaseURL: "https://api.example.com/v1", RateLimit: 5, Burst: 10, TimeoutSeconds: 15},
		Storage: StorageConfig{DBPath: "./tally.db"},
		Cache:   CacheConfig{FeedTTLSeconds: 180, CounterTTLSeconds: 120, FeedPageSize: 25},
		Retry:   RetryConfig{MaxAttempts: 5, BaseBackoffMS: 500},
		Metrics: MetricsConfig{},
	}
}

func (c CacheConfig) FeedTTL() time.Duration    { return time.Duration(c.FeedTTLSeconds) * time.Second }
func (c CacheConfig) CounterTTL() time.Duration { return time.Duration(c.CounterTTLSeconds) * time.Second }

func (c RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

func (c APIConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.API.Token == "" {
		c.API.Token = os.Getenv("TALLY_API_TOKEN")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("TALLY_METRICS_ADDR")
	}
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
