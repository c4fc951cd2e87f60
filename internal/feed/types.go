// Package feed defines the shared data model for the feed value provider:
// FeedId, PriceUpdate, AggregatedPrice, CacheEntry, FeedAccessPattern and
// SourceHealth. Every other package in this module depends on these types
// instead of redefining its own.
package feed

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Category is the asset class of a feed.
type Category int

const (
	Crypto Category = iota
	Forex
	Commodity
	Stock
)

func (c Category) String() string {
	switch c {
	case Crypto:
		return "crypto"
	case Forex:
		return "forex"
	case Commodity:
		return "commodity"
	case Stock:
		return "stock"
	default:
		return "unknown"
	}
}

// ID identifies a single price feed, e.g. {Crypto, "BTC/USD"}.
type ID struct {
	Category Category
	Name     string
}

// NewID validates and constructs a feed ID. Name must be uppercase with
// exactly one '/' separator and non-empty sides.
func NewID(category Category, name string) (ID, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ID{}, fmt.Errorf("feed: invalid name %q: want BASE/QUOTE", name)
	}
	upper := strings.ToUpper(name)
	if upper != name {
		return ID{}, fmt.Errorf("feed: invalid name %q: must be uppercase", name)
	}
	return ID{Category: category, Name: name}, nil
}

// MustID is NewID but panics on error; used for static/test construction.
func MustID(category Category, name string) ID {
	id, err := NewID(category, name)
	if err != nil {
		panic(err)
	}
	return id
}

func (f ID) String() string {
	return fmt.Sprintf("%s:%s", f.Category, f.Name)
}

// Base returns the base currency/asset of the feed ("BTC" in "BTC/USD").
func (f ID) Base() string {
	parts := strings.SplitN(f.Name, "/", 2)
	return parts[0]
}

// Quote returns the quote currency/asset of the feed ("USD" in "BTC/USD").
func (f ID) Quote() string {
	parts := strings.SplitN(f.Name, "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// DefaultMaxStaleness is the age beyond which an update is rejected under
// strict validation (spec §3).
const DefaultMaxStaleness = 2000 * time.Millisecond

// Update is a single normalized price observation emitted by an adapter.
type Update struct {
	Symbol     string    // adapter-normalized BASE/QUOTE symbol, e.g. "BTC/USD"
	Price      float64   // positive, finite
	TimestampMs int64    // ms epoch
	Source     string    // source/exchange id, e.g. "binance"
	Confidence float64   // [0,1]
	Volume     float64   // >= 0, optional; meaningful only when HasVolume is set
	HasVolume  bool
	// QuoteAlias is not set or read anywhere in this module; USDT->USD
	// folding happens in the adapters' symbol normalization and in
	// consensus.ResolveFeedName.
	QuoteAlias string
}

// Valid reports whether the update satisfies the base invariant:
// price > 0, finite, confidence in [0,1], and age <= maxStaleness.
func (u Update) Valid(now time.Time, maxStaleness time.Duration) bool {
	if !(u.Price > 0) || math.IsInf(u.Price, 0) || math.IsNaN(u.Price) {
		return false
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		return false
	}
	age := u.Age(now)
	return age <= maxStaleness
}

// Age returns how old the update is relative to now.
func (u Update) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(u.TimestampMs))
}

// AggregatedPrice is the output of one consensus computation for a feed.
type AggregatedPrice struct {
	Symbol         string
	Price          float64
	Timestamp      time.Time
	Sources        []string
	Confidence     float64
	ConsensusScore float64
}

// CacheEntry is what the real-time cache stores per feed.
type CacheEntry struct {
	Value      AggregatedPrice
	Timestamp  time.Time
	Sources    []string
	Confidence float64
}

// AccessPattern tracks a feed's observed read pattern for the cache warmer.
type AccessPattern struct {
	Feed                ID
	AccessCount         int64
	LastAccessed        time.Time
	AverageInterval     time.Duration
	PredictedNextAccess time.Time
	WarmingSuccess      int64
	WarmingFailures     int64
	Priority            float64
	FirstAccessed       time.Time
}

// SourceStatus is the coarse health classification of a source.
type SourceStatus int

const (
	StatusHealthy SourceStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusRecovered
)

func (s SourceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// SourceHealth is the per-source health record maintained by the data
// manager and surfaced through GetSystemHealth.
type SourceHealth struct {
	Source        string
	Status        SourceStatus
	ErrorCount    int64
	RecoveryCount int64
	LastLatency   time.Duration
	LastUpdate    time.Time
}

// Tier is the coarse reliability class of a source (spec §4.E.2).
type Tier int

const (
	Tier1 Tier = iota // top exchanges
	Tier2             // everything else known
	TierUnknown
)

// SourceWeight is the precomputed weighting record for one source.
type SourceWeight struct {
	Source         string
	BaseWeight     float64
	Tier           Tier
	TierMultiplier float64
	Reliability    float64
	LastUpdated    time.Time
}
