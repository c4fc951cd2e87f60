package config

import (
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/consensus"
)

func TestLoadWeightsConfig_ValidFileParses(t *testing.T) {
	path := writeTemp(t, "weights.yaml", `
sources:
  okx:
    base_weight: 0.8
    tier: 2
    tier_multiplier: 1.0
    reliability: 0.95
`)

	cfg, err := LoadWeightsConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sources["okx"].BaseWeight != 0.8 {
		t.Fatalf("expected base_weight 0.8, got %f", cfg.Sources["okx"].BaseWeight)
	}
}

func TestValidate_RejectsOutOfRangeReliability(t *testing.T) {
	cfg := WeightsConfig{Sources: map[string]WeightRecord{
		"okx": {BaseWeight: 0.8, Tier: 2, Reliability: 1.5},
	}}
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for reliability > 1")
	}
}

func TestApply_InstallsRecordIntoWeightTable(t *testing.T) {
	cfg := WeightsConfig{Sources: map[string]WeightRecord{
		"newsource": {BaseWeight: 0.3, Tier: 1, TierMultiplier: 1.2, Reliability: 0.7},
	}}
	table := consensus.NewWeightTable()
	cfg.Apply(table)

	got := table.Get("newsource")
	if got.BaseWeight != 0.3 || got.Reliability != 0.7 {
		t.Fatalf("expected applied record, got %+v", got)
	}
}
