package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfigParses(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
sources:
  binance:
    enabled: true
    circuit:
      failure_threshold: 5
      success_threshold: 2
      open_timeout_ms: 30000
cache:
  realtime_ttl_ms: 2000
  warm_ttl_ms: 30000
  max_entries: 10000
aggregation:
  result_cache_ttl_ms: 1000
  batch_tick_ms: 100
  max_staleness_ms: 5000
warmer:
  aggressive_interval_ms: 500
  predictive_interval_ms: 5000
  maintenance_interval_ms: 60000
  worker_pool_size: 4
ops:
  host: 127.0.0.1
  port: 9090
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Sources["binance"].Enabled {
		t.Fatal("expected binance enabled")
	}
	if cfg.Aggregation.BatchTick().Milliseconds() != 100 {
		t.Fatalf("expected 100ms batch tick, got %v", cfg.Aggregation.BatchTick())
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_RejectsInvalidPort(t *testing.T) {
	cfg := Default()
	cfg.Ops.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestValidate_RejectsWarmTTLBelowRealtime(t *testing.T) {
	cfg := Default()
	cfg.Cache.WarmTTLMS = 100
	cfg.Cache.RealtimeTTLMS = 2000
	if err := cfg.Cache.Validate(); err == nil {
		t.Fatal("expected validation error for warm_ttl_ms < realtime_ttl_ms")
	}
}

func TestValidate_SkipsCircuitChecksWhenSourceDisabled(t *testing.T) {
	src := SourceConfig{Enabled: false}
	if err := src.Validate(); err != nil {
		t.Fatalf("expected no error for disabled source with empty circuit config, got %v", err)
	}
}

func TestDefault_PassesValidation(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}
