package pricecache

import (
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

func TestCache_SetGetIdempotent(t *testing.T) {
	c := New(DefaultConfig)
	id := feed.MustID(feed.Crypto, "BTC/USD")
	now := time.Now()
	entry := feed.CacheEntry{
		Value:      feed.AggregatedPrice{Symbol: "BTC/USD", Price: 50000, Timestamp: now},
		Timestamp:  now,
		Sources:    []string{"binance"},
		Confidence: 0.9,
	}

	c.Set(id, entry)
	got, ok := c.Get(id)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Value.Price != 50000 || got.Confidence != 0.9 {
		t.Fatalf("got unexpected entry: %+v", got)
	}
}

func TestCache_InvalidateDropsEntry(t *testing.T) {
	c := New(DefaultConfig)
	id := feed.MustID(feed.Crypto, "ETH/USD")
	c.Set(id, feed.CacheEntry{Timestamp: time.Now()})

	c.InvalidateOnPriceUpdate(id)

	if _, ok := c.Get(id); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestCache_SetDoesNotRejectOlderTimestamp(t *testing.T) {
	c := New(DefaultConfig)
	id := feed.MustID(feed.Crypto, "BTC/USD")
	now := time.Now()

	c.Set(id, feed.CacheEntry{Value: feed.AggregatedPrice{Price: 2}, Timestamp: now})
	c.Set(id, feed.CacheEntry{Value: feed.AggregatedPrice{Price: 1}, Timestamp: now.Add(-time.Minute)})

	got, ok := c.Get(id)
	if !ok {
		t.Fatal("expected entry present")
	}
	if got.Value.Price != 1 {
		t.Fatalf("writer should be authoritative regardless of timestamp order, got %v", got.Value.Price)
	}
}

func TestCache_HitRateAccounting(t *testing.T) {
	c := New(DefaultConfig)
	id := feed.MustID(feed.Crypto, "BTC/USD")

	if stats := c.Stats(); stats.HitRate != 0 {
		t.Fatalf("expected zero hit rate with no requests, got %v", stats.HitRate)
	}

	c.Set(id, feed.CacheEntry{Timestamp: time.Now()})
	c.Get(id)                              // hit
	c.Get(feed.MustID(feed.Crypto, "XX/YY")) // miss

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit, 1 miss, got %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", stats.HitRate)
	}
}

func TestCache_EvictsUnderCapacityPressure(t *testing.T) {
	cfg := DefaultConfig
	cfg.ShardCount = 1
	cfg.MaxEntries = 4
	cfg.ResizeThreshold = 2.0 // effectively disable resize to exercise eviction
	c := New(cfg)

	for i := 0; i < 10; i++ {
		id := feed.MustID(feed.Crypto, feedName(i))
		c.Set(id, feed.CacheEntry{Timestamp: time.Now()})
	}

	if stats := c.Stats(); stats.TotalEntries > 4 {
		t.Fatalf("expected eviction to bound entries near capacity, got %d", stats.TotalEntries)
	}
}

func feedName(i int) string {
	names := []string{"AAA/USD", "BBB/USD", "CCC/USD", "DDD/USD", "EEE/USD", "FFF/USD", "GGG/USD", "HHH/USD", "III/USD", "JJJ/USD"}
	return names[i%len(names)]
}

func TestCache_TTLExpiry(t *testing.T) {
	cfg := DefaultConfig
	cfg.TTL = 10 * time.Millisecond
	c := New(cfg)
	id := feed.MustID(feed.Crypto, "BTC/USD")

	c.Set(id, feed.CacheEntry{Timestamp: time.Now()})
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(id); ok {
		t.Fatal("expected entry to expire past TTL")
	}
}
