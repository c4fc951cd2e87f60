package config

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/consensus"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// WeightsConfig is the static per-source weight/tier table, overriding or
// extending consensus's immutable baseline at startup.
type WeightsConfig struct {
	Sources map[string]WeightRecord `yaml:"sources"`
}

// WeightRecord is one source's starting weight record.
type WeightRecord struct {
	BaseWeight     float64 `yaml:"base_weight"`
	Tier           int     `yaml:"tier"` // 1 or 2; see feed.Tier1/Tier2
	TierMultiplier float64 `yaml:"tier_multiplier"`
	Reliability    float64 `yaml:"reliability"`
}

// LoadWeightsConfig loads the weight table from a YAML file.
func LoadWeightsConfig(path string) (*WeightsConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights config: %w", err)
	}

	var cfg WeightsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse weights YAML: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid weights config: %v", errs)
	}
	return &cfg, nil
}

// Validate checks every record for sane ranges, collecting all problems
// rather than failing on the first one.
func (c *WeightsConfig) Validate() []string {
	var errs []string
	for name, rec := range c.Sources {
		if rec.BaseWeight <= 0 {
			errs = append(errs, fmt.Sprintf("source %s: base_weight must be positive, got %f", name, rec.BaseWeight))
		}
		if rec.Tier != 1 && rec.Tier != 2 {
			errs = append(errs, fmt.Sprintf("source %s: tier must be 1 or 2, got %d", name, rec.Tier))
		}
		if rec.Reliability < 0 || rec.Reliability > 1 {
			errs = append(errs, fmt.Sprintf("source %s: reliability %.2f outside [0, 1]", name, rec.Reliability))
		}
	}
	return errs
}

// Apply installs every record into table via SetRecord, letting operators
// override or extend consensus's immutable baseline without a restart of
// the table type itself.
func (c *WeightsConfig) Apply(table *consensus.WeightTable) {
	for name, rec := range c.Sources {
		tier := feed.Tier2
		if rec.Tier == 1 {
			tier = feed.Tier1
		}
		table.SetRecord(feed.SourceWeight{
			Source:         name,
			BaseWeight:     rec.BaseWeight,
			Tier:           tier,
			TierMultiplier: rec.TierMultiplier,
			Reliability:    rec.Reliability,
		})
	}
}
