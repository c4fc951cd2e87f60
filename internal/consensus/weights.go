package consensus

import (
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Tier multipliers (spec §4.E.2): Tier 1 > 1, Tier 2 == 1.
const (
	Tier1Multiplier = 1.2
	Tier2Multiplier = 1.0

	// UnknownBaseWeight/UnknownTierMultiplier are applied to sources with
	// no precomputed record.
	UnknownBaseWeight     = 0.05
	UnknownTierMultiplier = 1.0
)

// baselineSourceTable is the immutable baseline exchange-weight table
// (spec's Design Notes: "keep only truly immutable tables ... as
// constants"). Per-process reliability adjustments layer on top of this via
// WeightTable.SetReliability, never mutating the baseline itself.
var baselineSourceTable = map[string]feed.SourceWeight{
	"binance":  {Source: "binance", BaseWeight: 1.0, Tier: feed.Tier1, TierMultiplier: Tier1Multiplier, Reliability: 1.0},
	"coinbase": {Source: "coinbase", BaseWeight: 0.9, Tier: feed.Tier1, TierMultiplier: Tier1Multiplier, Reliability: 1.0},
	"kraken":   {Source: "kraken", BaseWeight: 0.85, Tier: feed.Tier1, TierMultiplier: Tier1Multiplier, Reliability: 1.0},
	"okx":      {Source: "okx", BaseWeight: 0.8, Tier: feed.Tier2, TierMultiplier: Tier2Multiplier, Reliability: 1.0},
	"bitmart":  {Source: "bitmart", BaseWeight: 0.5, Tier: feed.Tier2, TierMultiplier: Tier2Multiplier, Reliability: 1.0},
}

// WeightTable is the per-process, mutable view over the baseline table: it
// starts as a copy of baselineSourceTable and changes only through
// SetReliability, SetRecord and Touch. Not persisted
// across restarts (spec §1 Non-goals).
type WeightTable struct {
	mu      sync.RWMutex
	records map[string]feed.SourceWeight
}

// NewWeightTable returns a table seeded from the immutable baseline.
func NewWeightTable() *WeightTable {
	t := &WeightTable{records: make(map[string]feed.SourceWeight, len(baselineSourceTable))}
	for k, v := range baselineSourceTable {
		v.LastUpdated = time.Now()
		t.records[k] = v
	}
	return t
}

// Get returns the weight record for source, defaulting unknown sources to
// the small-weight fallback described in spec §4.E.2.
func (t *WeightTable) Get(source string) feed.SourceWeight {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.records[source]; ok {
		return w
	}
	return feed.SourceWeight{
		Source:         source,
		BaseWeight:     UnknownBaseWeight,
		Tier:           feed.TierUnknown,
		TierMultiplier: UnknownTierMultiplier,
		Reliability:    0.5,
		LastUpdated:    time.Now(),
	}
}

// SetReliability updates a source's reliability score. The weight sweep
// (RunWeightSweep) does not call it. A source not yet in the table is added
// at the unknown baseline with the new reliability.
func (t *WeightTable) SetReliability(source string, reliability float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.records[source]
	if !ok {
		w = feed.SourceWeight{Source: source, BaseWeight: UnknownBaseWeight, Tier: feed.TierUnknown, TierMultiplier: UnknownTierMultiplier}
	}
	w.Reliability = reliability
	w.LastUpdated = time.Now()
	t.records[source] = w
}

// SetRecord installs a full weight record for source, overriding both the
// baseline and any prior reliability updates. Used by the static
// tier/weight config loader to extend or override baselineSourceTable at
// startup without touching the immutable constant.
func (t *WeightTable) SetRecord(w feed.SourceWeight) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.LastUpdated.IsZero() {
		w.LastUpdated = time.Now()
	}
	t.records[w.Source] = w
}

// Touch refreshes LastUpdated for every known source without otherwise
// changing its record; this is the no-op-but-must-run sweep spec §4.E.8
// requires implementations to keep running even when the reliability model
// itself is a hook left for future data-driven tuning.
func (t *WeightTable) Touch(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, w := range t.records {
		w.LastUpdated = now
		t.records[k] = w
	}
}

// Snapshot returns a copy of all known records, for diagnostics/health.
func (t *WeightTable) Snapshot() map[string]feed.SourceWeight {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]feed.SourceWeight, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}
