// Package config is the runtime configuration surface for the feed value
// provider: source/adapter enablement, cache sizing, aggregation and warmer
// tunables, ops server settings, and per-source circuit breaker tunables.
// Adapted from config_src/providers.go's ReadFile+yaml.Unmarshal+cascading
// Validate() pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Sources     map[string]SourceConfig `yaml:"sources"`
	Cache       CacheConfig             `yaml:"cache"`
	Aggregation AggregationConfig       `yaml:"aggregation"`
	Warmer      WarmerConfig            `yaml:"warmer"`
	Ops         OpsConfig               `yaml:"ops"`
}

// SourceConfig configures one exchange adapter and its circuit breaker.
type SourceConfig struct {
	Enabled bool          `yaml:"enabled"`
	Backup  bool          `yaml:"backup"` // parsed but not read at startup: every enabled source is connected as a primary, backup or not
	Circuit CircuitConfig `yaml:"circuit"`
}

// CircuitConfig mirrors circuit.Config's tunables in YAML form.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	OpenTimeoutMS    int `yaml:"open_timeout_ms"`
}

// CacheConfig sizes the realtime/warm cache tiers.
type CacheConfig struct {
	RealtimeTTLMS int  `yaml:"realtime_ttl_ms"`
	WarmTTLMS     int  `yaml:"warm_ttl_ms"`
	MaxEntries    int  `yaml:"max_entries"`
	RedisEnabled  bool `yaml:"redis_enabled"`
}

// AggregationConfig tunes the aggregation service.
type AggregationConfig struct {
	ResultCacheTTLMS int `yaml:"result_cache_ttl_ms"`
	BatchTickMS      int `yaml:"batch_tick_ms"`
	MaxStalenessMS   int `yaml:"max_staleness_ms"`
}

// WarmerConfig tunes the predictive/aggressive/maintenance warm loops.
type WarmerConfig struct {
	AggressiveIntervalMS int `yaml:"aggressive_interval_ms"`
	PredictiveIntervalMS int `yaml:"predictive_interval_ms"`
	MaintenanceIntervalMS int `yaml:"maintenance_interval_ms"`
	WorkerPoolSize       int `yaml:"worker_pool_size"`
}

// OpsConfig configures the read-only ops HTTP server.
type OpsConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and validates the runtime config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate cascades into every nested section.
func (c *Config) Validate() error {
	for name, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Aggregation.Validate(); err != nil {
		return fmt.Errorf("aggregation: %w", err)
	}
	if err := c.Warmer.Validate(); err != nil {
		return fmt.Errorf("warmer: %w", err)
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("ops: port must be in (0, 65535], got %d", c.Ops.Port)
	}
	return nil
}

// Validate ensures a source's circuit tunables are sane when the source is
// enabled; a disabled source's circuit block is never consulted.
func (s *SourceConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	return s.Circuit.Validate()
}

// Validate ensures circuit tunables are positive.
func (c *CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeoutMS <= 0 {
		return fmt.Errorf("open_timeout_ms must be positive, got %d", c.OpenTimeoutMS)
	}
	return nil
}

// Validate ensures cache sizing is sane.
func (c *CacheConfig) Validate() error {
	if c.RealtimeTTLMS <= 0 {
		return fmt.Errorf("realtime_ttl_ms must be positive, got %d", c.RealtimeTTLMS)
	}
	if c.WarmTTLMS < c.RealtimeTTLMS {
		return fmt.Errorf("warm_ttl_ms (%d) must be >= realtime_ttl_ms (%d)", c.WarmTTLMS, c.RealtimeTTLMS)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be positive, got %d", c.MaxEntries)
	}
	return nil
}

// Validate ensures aggregation tunables are sane.
func (a *AggregationConfig) Validate() error {
	if a.ResultCacheTTLMS <= 0 {
		return fmt.Errorf("result_cache_ttl_ms must be positive, got %d", a.ResultCacheTTLMS)
	}
	if a.BatchTickMS <= 0 {
		return fmt.Errorf("batch_tick_ms must be positive, got %d", a.BatchTickMS)
	}
	if a.MaxStalenessMS <= 0 {
		return fmt.Errorf("max_staleness_ms must be positive, got %d", a.MaxStalenessMS)
	}
	return nil
}

// Validate ensures warmer tunables are sane.
func (w *WarmerConfig) Validate() error {
	if w.AggressiveIntervalMS <= 0 {
		return fmt.Errorf("aggressive_interval_ms must be positive, got %d", w.AggressiveIntervalMS)
	}
	if w.PredictiveIntervalMS <= 0 {
		return fmt.Errorf("predictive_interval_ms must be positive, got %d", w.PredictiveIntervalMS)
	}
	if w.MaintenanceIntervalMS <= 0 {
		return fmt.Errorf("maintenance_interval_ms must be positive, got %d", w.MaintenanceIntervalMS)
	}
	if w.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive, got %d", w.WorkerPoolSize)
	}
	return nil
}

// ResultCacheTTL returns the aggregation result cache TTL as a Duration.
func (a *AggregationConfig) ResultCacheTTL() time.Duration {
	return time.Duration(a.ResultCacheTTLMS) * time.Millisecond
}

// BatchTick returns the aggregation batch tick as a Duration.
func (a *AggregationConfig) BatchTick() time.Duration {
	return time.Duration(a.BatchTickMS) * time.Millisecond
}

// MaxStaleness returns the max update staleness as a Duration.
func (a *AggregationConfig) MaxStaleness() time.Duration {
	return time.Duration(a.MaxStalenessMS) * time.Millisecond
}

// Default returns a safe, fully enabled default configuration.
func Default() *Config {
	return &Config{
		Sources: map[string]SourceConfig{
			"binance":  {Enabled: true, Circuit: CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeoutMS: 30000}},
			"coinbase": {Enabled: true, Circuit: CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeoutMS: 30000}},
			"kraken":   {Enabled: true, Backup: true, Circuit: CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeoutMS: 30000}},
		},
		Cache: CacheConfig{
			RealtimeTTLMS: 2000,
			WarmTTLMS:     30000,
			MaxEntries:    10000,
		},
		Aggregation: AggregationConfig{
			ResultCacheTTLMS: 1000,
			BatchTickMS:      100,
			MaxStalenessMS:   5000,
		},
		Warmer: WarmerConfig{
			AggressiveIntervalMS:  500,
			PredictiveIntervalMS:  5000,
			MaintenanceIntervalMS: 60000,
			WorkerPoolSize:        4,
		},
		Ops: OpsConfig{Host: "127.0.0.1", Port: 9090},
	}
}
