// Package integration is the Integration Service (spec §4.I): the public
// surface external consumers call. It is cache-first, falls through to
// the aggregation service on a miss or stale entry, and aggregates
// system-wide health from the data manager, aggregation service, and
// cache.
package integration

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/aggsvc"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/datamanager"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feederr"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/pricecache"
)

// Config tunes the serve-path freshness predicate and the volume window
// used by GetVolumes.
type Config struct {
	ServeFreshness time.Duration
	VolumeWindow   time.Duration
}

var DefaultConfig = Config{
	ServeFreshness: 2000 * time.Millisecond,
	VolumeWindow:   10 * time.Second,
}

// ResponseRecorder is an optional hook for recording per-call response
// times into the metrics layer; nil-safe.
type ResponseRecorder interface {
	ObserveResponseTime(feedName string, d time.Duration)
}

// HealthSnapshot is the result of GetSystemHealth (spec §4.I): overall
// status, per-source health, consensus result-cache counters and real-time
// cache stats. It carries no latency percentiles or staleness budget.
type HealthSnapshot struct {
	Status      string
	Sources     map[string]feed.SourceHealth
	Aggregation AggregationHealth
	Cache       pricecache.Stats
	GeneratedAt time.Time
}

// AggregationHealth summarizes consensus-layer cache performance.
type AggregationHealth struct {
	ResultCacheHits   int64
	ResultCacheMisses int64
}

// Service is the integration service.
type Service struct {
	cfg      Config
	cache    *pricecache.Cache
	agg      *aggsvc.Service
	dm       *datamanager.Manager
	recorder ResponseRecorder

	mu          sync.Mutex
	initialized bool

	ready chan struct{}
	prices chan feed.AggregatedPrice
}

// New constructs the integration service.
func New(cfg Config, cache *pricecache.Cache, agg *aggsvc.Service, dm *datamanager.Manager, recorder ResponseRecorder) *Service {
	return &Service{
		cfg:      cfg,
		cache:    cache,
		agg:      agg,
		dm:       dm,
		recorder: recorder,
		ready:    make(chan struct{}),
		prices:   make(chan feed.AggregatedPrice, 256),
	}
}

// MarkInitialized closes the Initialized channel exactly once, signaling
// that wiring (sources added, subscriptions registered) has completed.
func (s *Service) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	s.initialized = true
	close(s.ready)
}

// Initialized fires once MarkInitialized has been called.
func (s *Service) Initialized() <-chan struct{} { return s.ready }

// PriceReady streams every aggregation this service populates into the
// cache on a GetValue cache miss, for external consumers (spec §4.I's
// priceReady emission). Prices served from a fresh cache entry are not
// published.
func (s *Service) PriceReady() <-chan feed.AggregatedPrice { return s.prices }

// GetValue is the cache-first read path: a fresh cache entry is returned
// directly; otherwise it falls through to the aggregation service,
// populates the cache, and invalidates anything stale it finds along the
// way.
func (s *Service) GetValue(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error) {
	start := time.Now()
	defer func() {
		if s.recorder != nil {
			s.recorder.ObserveResponseTime(id.Name, time.Since(start))
		}
	}()

	now := time.Now()
	if entry, ok := s.cache.Get(id); ok {
		if pricecache.IsFresh(entry, now, s.cfg.ServeFreshness) {
			return entry.Value, nil
		}
		s.cache.InvalidateOnPriceUpdate(id)
	}

	result, ok := s.agg.GetAggregatedPrice(id, now)
	if !ok {
		return feed.AggregatedPrice{}, feederr.ErrNoValidData.WithFeed(id.Name)
	}

	s.cache.Set(id, feed.CacheEntry{
		Value:      result,
		Timestamp:  now,
		Sources:    result.Sources,
		Confidence: result.Confidence,
	})
	s.publish(result)
	return result, nil
}

// valueResult pairs a feed id with its GetValue outcome for GetValues'
// allSettled semantics.
type valueResult struct {
	ID    feed.ID
	Price feed.AggregatedPrice
	Err   error
}

// GetValues fans out GetValue across ids concurrently; a failure for one
// feed never drops the others (allSettled semantics).
func (s *Service) GetValues(ctx context.Context, ids []feed.ID) []valueResult {
	results := make([]valueResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id feed.ID) {
			defer wg.Done()
			price, err := s.GetValue(ctx, id)
			results[i] = valueResult{ID: id, Price: price, Err: err}
		}(i, id)
	}
	wg.Wait()
	return results
}

// GetVolumes returns the summed recent volume per feed over the
// configured VolumeWindow (spec §9 supplemented Volume window semantics).
func (s *Service) GetVolumes(ids []feed.ID) map[string]float64 {
	now := time.Now()
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if sum, ok := s.agg.GetVolumeSum(id, s.cfg.VolumeWindow, now); ok {
			out[id.Name] = sum
		}
	}
	return out
}

// GetSystemHealth aggregates source health, consensus result-cache stats,
// and real-time cache stats into one snapshot.
func (s *Service) GetSystemHealth() HealthSnapshot {
	sources := s.dm.GetConnectionHealth()

	status := "healthy"
	unhealthy := 0
	for _, h := range sources {
		if h.Status == feed.StatusUnhealthy {
			unhealthy++
		}
	}
	if unhealthy > 0 && unhealthy < len(sources) {
		status = "degraded"
	} else if len(sources) > 0 && unhealthy == len(sources) {
		status = "unhealthy"
	}

	hits, misses := s.agg.CacheStats()
	return HealthSnapshot{
		Status:      status,
		Sources:     sources,
		Aggregation: AggregationHealth{ResultCacheHits: hits, ResultCacheMisses: misses},
		Cache:       s.cache.Stats(),
		GeneratedAt: time.Now(),
	}
}

func (s *Service) publish(price feed.AggregatedPrice) {
	select {
	case s.prices <- price:
	default:
		log.Debug().Str("feed", price.Symbol).Msg("integration: priceReady consumer backlogged, dropping")
	}
}
