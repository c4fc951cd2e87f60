package aggsvc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/consensus"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

func newTestService() *Service {
	return New(DefaultConfig, consensus.New(consensus.DefaultConfig, consensus.NewWeightTable()), nil)
}

func TestAddPriceUpdate_RejectsInvalidPrice(t *testing.T) {
	s := newTestService()
	id := feed.MustID(feed.Crypto, "BTC/USD")

	s.AddPriceUpdate(id, feed.Update{Symbol: "BTC/USD", Source: "binance", Price: -1, Confidence: 1, TimestampMs: time.Now().UnixMilli()})

	fs := s.stateFor(id.Name)
	fs.mu.Lock()
	n := len(fs.perSource)
	fs.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected invalid update to be rejected, got %d entries", n)
	}
}

func TestGetAggregatedPrice_UsesResultCache(t *testing.T) {
	s := newTestService()
	id := feed.MustID(feed.Crypto, "BTC/USD")
	now := time.Now()

	for _, src := range []string{"binance", "coinbase", "kraken"} {
		s.AddPriceUpdate(id, feed.Update{Symbol: "BTC/USD", Source: src, Price: 50000, Confidence: 1, TimestampMs: now.UnixMilli()})
	}

	first, ok := s.GetAggregatedPrice(id, now)
	if !ok {
		t.Fatal("expected first aggregate call to succeed")
	}

	// A second call within the TTL and without new updates should hit the
	// cache and return the identical result without re-aggregating.
	second, ok := s.GetAggregatedPrice(id, now.Add(10*time.Millisecond))
	if !ok || second.Price != first.Price {
		t.Fatalf("expected cached result, got %+v vs %+v", first, second)
	}
}

func TestSubscribe_NotifiedAfterBatchTick(t *testing.T) {
	s := newTestService()
	id := feed.MustID(feed.Crypto, "ETH/USD")

	var got atomic.Bool
	unsub := s.Subscribe(id, func(p feed.AggregatedPrice) error {
		got.Store(true)
		return nil
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Run(ctx)
	defer s.Shutdown()

	now := time.Now()
	for _, src := range []string{"binance", "coinbase", "kraken"} {
		s.AddPriceUpdate(id, feed.Update{Symbol: "ETH/USD", Source: src, Price: 3000, Confidence: 1, TimestampMs: now.UnixMilli()})
	}

	deadline := time.Now().Add(time.Second)
	for !got.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !got.Load() {
		t.Fatal("expected subscriber to be notified after a batch tick")
	}
}

func TestSubscribe_PanicIsIsolated(t *testing.T) {
	s := newTestService()
	id := feed.MustID(feed.Crypto, "BTC/USD")

	var secondCalled sync.WaitGroup
	secondCalled.Add(1)
	s.Subscribe(id, func(p feed.AggregatedPrice) error {
		panic("boom")
	})
	s.Subscribe(id, func(p feed.AggregatedPrice) error {
		secondCalled.Done()
		return nil
	})

	now := time.Now()
	s.notify(id, feed.AggregatedPrice{Symbol: "BTC/USD", Price: 1})

	done := make(chan struct{})
	go func() { secondCalled.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second subscriber should still run despite first panicking")
	}
	_ = now
}

func TestGetVolumeSum_SumsAcrossSourcesWithinWindow(t *testing.T) {
	s := newTestService()
	id := feed.MustID(feed.Crypto, "BTC/USD")
	now := time.Now()

	s.AddPriceUpdate(id, feed.Update{Symbol: "BTC/USD", Source: "binance", Price: 50000, Confidence: 1, Volume: 2, HasVolume: true, TimestampMs: now.UnixMilli()})
	s.AddPriceUpdate(id, feed.Update{Symbol: "BTC/USD", Source: "coinbase", Price: 50010, Confidence: 1, Volume: 3, HasVolume: true, TimestampMs: now.Add(-10 * time.Second).UnixMilli()})

	sum, ok := s.GetVolumeSum(id, 5*time.Second, now)
	if !ok {
		t.Fatal("expected at least one volume-bearing update in window")
	}
	if sum != 2 {
		t.Fatalf("expected only the recent binance update counted, got %v", sum)
	}
}

func TestUnsubscribe_StopsNotifications(t *testing.T) {
	s := newTestService()
	id := feed.MustID(feed.Crypto, "BTC/USD")

	var calls int64
	unsub := s.Subscribe(id, func(p feed.AggregatedPrice) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	unsub()

	s.notify(id, feed.AggregatedPrice{Symbol: "BTC/USD", Price: 1})
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatal("expected no notifications after unsubscribe")
	}
}
