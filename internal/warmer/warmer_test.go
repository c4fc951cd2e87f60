package warmer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/pricecache"
)

func TestTrackFeedAccess_ImmediateWarmOnFirstTouch(t *testing.T) {
	cache := pricecache.New(pricecache.DefaultConfig)
	var calls int64
	fetch := func(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
		atomic.AddInt64(&calls, 1)
		return feed.AggregatedPrice{Symbol: id.Name, Price: 1, Timestamp: time.Now(), Sources: []string{"binance"}}, nil
	}
	w := New(DefaultConfig, cache, fetch)

	id := feed.MustID(feed.Crypto, "ETH/USD")
	w.TrackFeedAccess(id, time.Now())

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt64(&calls) == 0 {
		t.Fatal("expected immediate warm to call fetch on first touch")
	}
}

func TestWarmFeedCache_NoOpWhenFresh(t *testing.T) {
	cache := pricecache.New(pricecache.DefaultConfig)
	id := feed.MustID(feed.Crypto, "BTC/USD")
	cache.Set(id, feed.CacheEntry{Value: feed.AggregatedPrice{Price: 1}, Timestamp: time.Now()})

	var calls int64
	fetch := func(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
		atomic.AddInt64(&calls, 1)
		return feed.AggregatedPrice{}, nil
	}
	w := New(DefaultConfig, cache, fetch)

	if err := w.WarmFeedCache(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatal("expected no fetch when cache entry is already fresh")
	}
}

func TestWarmBatch_ContinuesPastFailures(t *testing.T) {
	cache := pricecache.New(pricecache.DefaultConfig)
	fetch := func(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
		if id.Name == "BAD/USD" {
			return feed.AggregatedPrice{}, context.DeadlineExceeded
		}
		return feed.AggregatedPrice{Symbol: id.Name, Price: 1, Timestamp: time.Now()}, nil
	}
	w := New(DefaultConfig, cache, fetch)

	ids := []feed.ID{feed.MustID(feed.Crypto, "BAD/USD"), feed.MustID(feed.Crypto, "GOOD/USD")}
	w.warmBatch(context.Background(), ids, 4)

	if _, ok := cache.Get(feed.MustID(feed.Crypto, "GOOD/USD")); !ok {
		t.Fatal("expected GOOD/USD to be warmed despite BAD/USD failing")
	}
}

func TestPriorityScore_ClampedRange(t *testing.T) {
	cache := pricecache.New(pricecache.DefaultConfig)
	w := New(DefaultConfig, cache, func(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
		return feed.AggregatedPrice{}, nil
	})

	now := time.Now()
	id := feed.MustID(feed.Crypto, "BTC/USD")
	for i := 0; i < 10; i++ {
		w.TrackFeedAccess(id, now.Add(time.Duration(i)*time.Second))
	}

	p, ok := w.Pattern(id)
	if !ok {
		t.Fatal("expected pattern to exist")
	}
	if p.Priority < 0.05 || p.Priority > 100 {
		t.Fatalf("priority %v out of clamp range", p.Priority)
	}
}

func TestSelectAggressive_RequiresWindowAndCount(t *testing.T) {
	cache := pricecache.New(pricecache.DefaultConfig)
	w := New(DefaultConfig, cache, func(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
		return feed.AggregatedPrice{}, nil
	})

	now := time.Now()
	hot := feed.MustID(feed.Crypto, "HOT/USD")
	for i := 0; i < 5; i++ {
		w.TrackFeedAccess(hot, now)
	}
	cold := feed.MustID(feed.Crypto, "COLD/USD")
	w.TrackFeedAccess(cold, now.Add(-10*time.Hour))

	selected := w.selectAggressive(now)
	found := false
	for _, id := range selected {
		if id == hot {
			found = true
		}
		if id == cold {
			t.Fatal("cold feed should not be selected by aggressive strategy")
		}
	}
	if !found {
		t.Fatal("hot feed should be selected by aggressive strategy")
	}
}
