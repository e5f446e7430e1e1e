// Package config loads daemon configuration from a TOML file with
// conservative defaults for everything that is not set.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds the full daemon configuration.
type Config struct {
	Backend Backend `toml:"backend"`
	Sync    Sync    `toml:"sync"`
	Cache   Cache   `toml:"cache"`
	Gateway Gateway `toml:"gateway"`
	Server  Server  `toml:"server"`
}

// Backend configures the remote API the sync engine replays against.
type Backend struct {
	BaseURL        string `toml:"base_url"`
	RequestTimeout string `toml:"request_timeout"` // Go duration string
}

// Sync configures the sync engine and scheduler.
type Sync struct {
	Interval      string `toml:"interval"`       // periodic drain while online
	ProbeInterval string `toml:"probe_interval"` // connectivity probe cadence
	MaxRetries    int    `toml:"max_retries"`
	BackoffBase   string `toml:"backoff_base"` // first retry delay
	BackoffMax    string `toml:"backoff_max"`
	QueueMaxOps   int    `toml:"queue_max_ops"`
}

// Cache configures the cache manager quota.
type Cache struct {
	QuotaBytes int64 `toml:"quota_bytes"`
}

// Gateway configures the caching proxy in front of the backend API.
type Gateway struct {
	CacheVersion string            `toml:"cache_version"`
	Freshness    map[string]string `toml:"freshness"` // route prefix -> duration
}

// Server configures the localhost surface the shell talks to.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: Backend{
			BaseURL:        "http://localhost:3000",
			RequestTimeout: "15s",
		},
		Sync: Sync{
			Interval:      "5m",
			ProbeInterval: "30s",
			MaxRetries:    5,
			BackoffBase:   "1m",
			BackoffMax:    "1h",
			QueueMaxOps:   1000,
		},
		Cache: Cache{
			// Conservative default when no quota is configured; mirrors
			// what the browser storage-estimate API would report on a
			// constrained device.
			QuotaBytes: 50 * 1024 * 1024,
		},
		Gateway: Gateway{
			CacheVersion: "v1",
			Freshness: map[string]string{
				"/api/wisdom":        "24h",
				"/api/analytics":     "1h",
				"/api/journal":       "10m",
				"/api/mood":          "10m",
				"/api/conversations": "2m",
			},
		},
		Server: Server{
			ListenAddr: "127.0.0.1:8090",
			DataDir:    "./data",
		},
	}
}

// Load reads the configuration file at path, applying defaults for any
// section the file does not set. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks durations and bounds.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"backend.request_timeout": c.Backend.RequestTimeout,
		"sync.interval":           c.Sync.Interval,
		"sync.probe_interval":     c.Sync.ProbeInterval,
		"sync.backoff_base":       c.Sync.BackoffBase,
		"sync.backoff_max":        c.Sync.BackoffMax,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	for route, v := range c.Gateway.Freshness {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid freshness window for %s: %w", route, err)
		}
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.Cache.QuotaBytes <= 0 {
		return fmt.Errorf("cache.quota_bytes must be positive")
	}
	return nil
}

// Duration helpers; Validate has already checked the strings.

func (b Backend) Timeout() time.Duration { return mustDuration(b.RequestTimeout, 15*time.Second) }

func (s Sync) SyncInterval() time.Duration  { return mustDuration(s.Interval, 5*time.Minute) }
func (s Sync) Probe() time.Duration         { return mustDuration(s.ProbeInterval, 30*time.Second) }
func (s Sync) Backoff() time.Duration       { return mustDuration(s.BackoffBase, time.Minute) }
func (s Sync) BackoffCeiling() time.Duration { return mustDuration(s.BackoffMax, time.Hour) }

// FreshnessWindows parses the per-route freshness map.
func (g Gateway) FreshnessWindows() map[string]time.Duration {
	out := make(map[string]time.Duration, len(g.Freshness))
	for route, v := range g.Freshness {
		out[route] = mustDuration(v, time.Minute)
	}
	return out
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
