package consensus

import (
	"reflect"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

func ts(ago time.Duration, now time.Time) int64 {
	return now.Add(-ago).UnixMilli()
}

func TestAggregate_S1HappyPath(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	updates := []feed.Update{
		{Symbol: "BTCUSDT", Price: 50000, TimestampMs: ts(200*time.Millisecond, now), Source: "binance", Confidence: 0.9},
		{Symbol: "BTC-USD", Price: 50100, TimestampMs: ts(200*time.Millisecond, now), Source: "coinbase", Confidence: 0.85},
		{Symbol: "XBTUSD", Price: 49950, TimestampMs: ts(200*time.Millisecond, now), Source: "kraken", Confidence: 0.8},
	}

	result, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Price < 49950 || result.Price > 50100 {
		t.Fatalf("price %v out of bounds", result.Price)
	}
	if len(result.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %v", result.Sources)
	}
	if result.ConsensusScore <= 0.9 {
		t.Fatalf("expected consensusScore > 0.9, got %v", result.ConsensusScore)
	}
	if result.Confidence <= 0.85 {
		t.Fatalf("expected confidence > 0.85, got %v", result.Confidence)
	}
}

func TestAggregate_S2TierAdvantage(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	updates := []feed.Update{
		{Price: 50000, TimestampMs: ts(0, now), Source: "binance", Confidence: 0.9},  // tier 1
		{Price: 50200, TimestampMs: ts(0, now), Source: "bitmart", Confidence: 0.9},  // tier 2
	}

	result, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	distToLow := result.Price - 50000
	distToHigh := 50200 - result.Price
	if distToLow >= distToHigh {
		t.Fatalf("expected price closer to tier-1 quote 50000, got %v", result.Price)
	}
}

func TestAggregate_S3StaleRejection(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	updates := []feed.Update{
		{Price: 50000, TimestampMs: ts(500*time.Millisecond, now), Source: "binance", Confidence: 0.9},
		{Price: 60000, TimestampMs: ts(3000*time.Millisecond, now), Source: "coinbase", Confidence: 0.9},
	}

	result, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "binance" {
		t.Fatalf("expected only binance to survive, got %v", result.Sources)
	}
	if result.Price != 50000 {
		t.Fatalf("expected price 50000, got %v", result.Price)
	}
}

func TestAggregate_S4OutlierTrim(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	prices := []float64{49900, 49950, 50000, 50050, 50100, 60000}
	sources := []string{"binance", "coinbase", "kraken", "okx", "bitmart", "unknown1"}
	updates := make([]feed.Update, len(prices))
	for i, p := range prices {
		updates[i] = feed.Update{Price: p, TimestampMs: ts(0, now), Source: sources[i], Confidence: 0.8}
	}

	result, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, s := range result.Sources {
		if s == "unknown1" {
			t.Fatalf("expected 60000 outlier (source unknown1) to be trimmed, sources=%v", result.Sources)
		}
	}
	if result.Price < 49900 || result.Price > 50100 {
		t.Fatalf("expected median among retained five, got %v", result.Price)
	}
}

// Property 1: weighted median is price-bounded.
func TestProperty_MedianIsPriceBounded(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "ETH/USD")

	updates := []feed.Update{
		{Price: 3000, TimestampMs: ts(0, now), Source: "binance", Confidence: 0.9},
		{Price: 3010, TimestampMs: ts(0, now), Source: "coinbase", Confidence: 0.9},
		{Price: 2995, TimestampMs: ts(0, now), Source: "kraken", Confidence: 0.9},
	}
	result, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatal(err)
	}
	if result.Price < 2995 || result.Price > 3010 {
		t.Fatalf("median %v not bounded by input range", result.Price)
	}
}

// Property 2: time-decay monotonicity.
func TestProperty_TimeDecayMonotonic(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())

	fresher := feed.Update{Price: 100, TimestampMs: ts(10*time.Millisecond, now), Source: "binance", Confidence: 0.9}
	older := feed.Update{Price: 100, TimestampMs: ts(1000*time.Millisecond, now), Source: "binance", Confidence: 0.9}

	wf := a.weightUpdates([]feed.Update{fresher}, now)[0].weight
	wo := a.weightUpdates([]feed.Update{older}, now)[0].weight

	if !(wf > wo) {
		t.Fatalf("expected fresher weight %v > older weight %v", wf, wo)
	}
}

// Property 3: source dedup is a data-manager/aggregation-service concern
// (the aggregator itself is given the already-deduped per-source slice);
// verified at that layer's tests. Here we confirm the aggregator treats two
// same-source rows as two independent contributions so callers must dedupe
// upstream, matching spec §4.H's latest-wins map responsibility.
func TestProperty_AggregatorDoesNotDedupeBySource(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	updates := []feed.Update{
		{Price: 50000, TimestampMs: ts(0, now), Source: "binance", Confidence: 0.9},
		{Price: 50000, TimestampMs: ts(0, now), Source: "binance", Confidence: 0.9},
		{Price: 50100, TimestampMs: ts(0, now), Source: "coinbase", Confidence: 0.9},
	}
	if w := a.weightUpdates(updates, now); len(w) != 3 {
		t.Fatalf("expected both binance rows weighted as separate contributions, got %d weighted rows", len(w))
	}
	result, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, s := range result.Sources {
		if s == "binance" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("Sources should list each source once even with duplicate rows, got %v", result.Sources)
	}
}

func TestAggregate_NoValidData(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	_, err := a.Aggregate(id, []feed.Update{
		{Price: -1, TimestampMs: ts(0, now), Source: "binance", Confidence: 0.9},
	}, now)
	if err == nil {
		t.Fatal("expected NoValidData error for all-invalid input")
	}
}

func TestResultCache_HitOnIdenticalFingerprint(t *testing.T) {
	now := time.Now()
	a := New(DefaultConfig, NewWeightTable())
	id := feed.MustID(feed.Crypto, "BTC/USD")
	updates := []feed.Update{
		{Price: 50000, TimestampMs: ts(0, now), Source: "binance", Confidence: 0.9},
		{Price: 50100, TimestampMs: ts(0, now), Source: "coinbase", Confidence: 0.9},
		{Price: 49950, TimestampMs: ts(0, now), Source: "kraken", Confidence: 0.9},
	}

	first, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Aggregate(id, updates, now)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected cache hit to return identical result, got %+v vs %+v", first, second)
	}
	hits, _ := a.CacheStats()
	if hits == 0 {
		t.Fatal("expected at least one cache hit")
	}
}
