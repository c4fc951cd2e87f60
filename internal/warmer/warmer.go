// Package warmer implements the predictive cache warmer (spec §4.G): it
// tracks per-feed access patterns, scores their warming priority, and runs
// three independently scheduled strategies (aggressive, predictive,
// maintenance) that proactively refresh the real-time cache via a callback
// into the aggregation service. Scheduling follows the teacher's "explicit
// scheduler task with cancellation, no ambient timers" idiom (spec Design
// Notes) rather than free-running goroutines.
package warmer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/pricecache"
)

// DataSourceFunc fetches a fresh aggregated price for id; in the wired
// system this is the aggregation service's GetAggregatedPrice.
type DataSourceFunc func(ctx context.Context, id feed.ID) (feed.AggregatedPrice, error)

// Config holds the per-strategy concurrency/interval knobs from spec's
// §4.G table plus pattern decay tuning.
type Config struct {
	AggressiveWorkers  int
	AggressiveInterval time.Duration
	AggressiveWindow   time.Duration // "accessed within last 5 min"
	AggressiveMinCount int64         // "accessCount >= 5"

	PredictiveWorkers  int
	PredictiveInterval time.Duration
	PredictiveHorizon  time.Duration // predictedNextAccess - now in (0, horizon]

	MaintenanceWorkers  int
	MaintenanceInterval time.Duration
	MaintenanceWindow   time.Duration // "accessed within last hour"

	IdleEviction  time.Duration // sweep patterns idle longer than this
	WarmFreshness time.Duration // spec's warm-use freshness bound
	FetchTimeout  time.Duration

	ImmediateWarmMinCount    int64
	ImmediateWarmMaxInterval time.Duration
}

// DefaultConfig matches the numbers named in spec §4.G.
var DefaultConfig = Config{
	AggressiveWorkers:  16,
	AggressiveInterval: 3 * time.Second,
	AggressiveWindow:   5 * time.Minute,
	AggressiveMinCount: 5,

	PredictiveWorkers:  12,
	PredictiveInterval: 7 * time.Second,
	PredictiveHorizon:  60 * time.Second,

	MaintenanceWorkers:  8,
	MaintenanceInterval: 20 * time.Second,
	MaintenanceWindow:   time.Hour,

	IdleEviction:  24 * time.Hour,
	WarmFreshness: 200 * time.Millisecond,
	FetchTimeout:  2 * time.Second,

	ImmediateWarmMinCount:    3,
	ImmediateWarmMaxInterval: 30 * time.Second,
}

type patternState struct {
	pattern     feed.AccessPattern
	lastVolume  float64
}

// Warmer owns all FeedAccessPatterns and drives the three strategies.
type Warmer struct {
	cfg   Config
	cache *pricecache.Cache
	fetch DataSourceFunc

	mu       sync.Mutex
	patterns map[string]*patternState
	ids      map[string]feed.ID
}

// New constructs a Warmer. fetch is invoked by WarmFeedCache and by all
// three strategies; it is expected to be routed to the aggregation
// service's GetAggregatedPrice (spec: "via callback into E" / H).
func New(cfg Config, cache *pricecache.Cache, fetch DataSourceFunc) *Warmer {
	return &Warmer{
		cfg:      cfg,
		cache:    cache,
		fetch:    fetch,
		patterns: make(map[string]*patternState),
		ids:      make(map[string]feed.ID),
	}
}

// TrackFeedAccess records a read of id at now, updating its access pattern
// and triggering an immediate warm when the pattern looks "hot" (spec:
// first-touch, accessCount>=3, or averageInterval<30s).
func (w *Warmer) TrackFeedAccess(id feed.ID, now time.Time) {
	w.mu.Lock()
	ps, exists := w.patterns[id.Name]
	firstTouch := !exists
	if !exists {
		ps = &patternState{pattern: feed.AccessPattern{Feed: id, FirstAccessed: now}}
		w.patterns[id.Name] = ps
		w.ids[id.Name] = id
	}

	p := &ps.pattern
	if !firstTouch && !p.LastAccessed.IsZero() {
		interval := now.Sub(p.LastAccessed)
		if p.AverageInterval == 0 {
			p.AverageInterval = interval
		} else {
			p.AverageInterval = (p.AverageInterval + interval) / 2
		}
	}
	p.AccessCount++
	p.LastAccessed = now
	p.PredictedNextAccess = now.Add(p.AverageInterval)
	p.Priority = w.priorityLocked(p, ps.lastVolume, now)

	shouldWarm := firstTouch || p.AccessCount >= w.cfg.ImmediateWarmMinCount ||
		(p.AverageInterval > 0 && p.AverageInterval < w.cfg.ImmediateWarmMaxInterval)
	w.mu.Unlock()

	if shouldWarm {
		go w.warmOne(context.Background(), id)
	}
}

// RecordVolumeHint lets callers feed in a recent trade volume for id, used
// as the (capped) volume boost term in the priority score.
func (w *Warmer) RecordVolumeHint(id feed.ID, volume float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ps, ok := w.patterns[id.Name]; ok {
		ps.lastVolume = volume
	}
}

// priorityLocked computes the composite priority score described in spec
// §4.G, clamped to [0.05, 100]. Caller must hold w.mu.
func (w *Warmer) priorityLocked(p *feed.AccessPattern, volume float64, now time.Time) float64 {
	base := math.Log1p(float64(p.AccessCount))

	sinceAccess := now.Sub(p.LastAccessed)
	var recency float64
	switch {
	case sinceAccess < 30*time.Minute:
		recency = 3.0
	case sinceAccess < 2*time.Hour:
		recency = 2.2
	case sinceAccess < 8*time.Hour:
		recency = 1.6
	default:
		recency = 1.0
	}

	var frequency float64 = 1.0
	switch {
	case p.AverageInterval > 0 && p.AverageInterval < 15*time.Second:
		frequency = 2.2
	case p.AverageInterval > 0 && p.AverageInterval < 60*time.Second:
		frequency = 1.8
	}

	var successRate float64 = 1.0
	if total := p.WarmingSuccess + p.WarmingFailures; total > 0 {
		successRate = float64(p.WarmingSuccess) / float64(total)
	}
	successFactor := 0.3 + successRate*(1.7-0.3)

	// Adaptive 12-48h idle half-life: patterns with a track record of
	// frequent access decay more slowly (longer half-life).
	halfLife := 12 * time.Hour
	if p.AccessCount > 20 {
		halfLife = 48 * time.Hour
	} else if p.AccessCount > 5 {
		halfLife = 24 * time.Hour
	}
	idle := now.Sub(p.LastAccessed)
	decay := math.Exp(-math.Ln2 * idle.Hours() / halfLife.Hours())

	volumeBoost := 1.0 + math.Min(0.5, volume/1_000_000)
	if volumeBoost > 1.5 {
		volumeBoost = 1.5
	}

	score := base * recency * frequency * successFactor * decay * volumeBoost
	if score < 0.05 {
		score = 0.05
	}
	if score > 100 {
		score = 100
	}
	return score
}

// WarmFeedCache implements spec §4.G's warmFeedCache: a no-op if the cache
// already holds a fresh-enough entry, otherwise a call through fetch.
func (w *Warmer) WarmFeedCache(ctx context.Context, id feed.ID) error {
	if entry, ok := w.cache.Get(id); ok && pricecache.IsFresh(entry, time.Now(), w.cfg.WarmFreshness) {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	price, err := w.fetch(cctx, id)
	w.recordWarmOutcome(id, err)
	if err != nil {
		return err
	}

	w.cache.Set(id, feed.CacheEntry{
		Value:      price,
		Timestamp:  price.Timestamp,
		Sources:    price.Sources,
		Confidence: price.Confidence,
	})
	return nil
}

func (w *Warmer) recordWarmOutcome(id feed.ID, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ps, ok := w.patterns[id.Name]
	if !ok {
		return
	}
	if err != nil {
		ps.pattern.WarmingFailures++
	} else {
		ps.pattern.WarmingSuccess++
	}
}

func (w *Warmer) warmOne(ctx context.Context, id feed.ID) {
	if err := w.WarmFeedCache(ctx, id); err != nil {
		log.Debug().Err(err).Str("feed", id.Name).Msg("immediate warm failed")
	}
}

// Pattern returns a copy of the access pattern for id, if tracked.
func (w *Warmer) Pattern(id feed.ID) (feed.AccessPattern, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ps, ok := w.patterns[id.Name]
	if !ok {
		return feed.AccessPattern{}, false
	}
	return ps.pattern, true
}

// Run launches the three strategy loops and the idle-pattern sweep; it
// blocks until ctx is cancelled, then waits for in-flight warms to finish.
func (w *Warmer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); w.loop(ctx, w.cfg.AggressiveInterval, w.cfg.AggressiveWorkers, w.selectAggressive) }()
	go func() { defer wg.Done(); w.loop(ctx, w.cfg.PredictiveInterval, w.cfg.PredictiveWorkers, w.selectPredictive) }()
	go func() {
		defer wg.Done()
		w.loop(ctx, w.cfg.MaintenanceInterval, w.cfg.MaintenanceWorkers, w.selectMaintenance)
	}()
	wg.Wait()
}

// loop runs one strategy on its own ticker until ctx is done. On every tick
// it selects candidate feeds and warms them through a bounded worker pool,
// continuing past individual failures (collect-and-continue, spec §4.G).
func (w *Warmer) loop(ctx context.Context, interval time.Duration, workers int, selector func(now time.Time) []feed.ID) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates := selector(time.Now())
			w.warmBatch(ctx, candidates, workers)
		}
	}
}

func (w *Warmer) warmBatch(ctx context.Context, ids []feed.ID, workers int) {
	if len(ids) == 0 {
		return
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.WarmFeedCache(ctx, id); err != nil {
				log.Debug().Err(err).Str("feed", id.Name).Msg("warm batch: feed failed, continuing")
			}
		}()
	}
	wg.Wait()
}

func (w *Warmer) selectAggressive(now time.Time) []feed.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []feed.ID
	for name, ps := range w.patterns {
		p := ps.pattern
		if now.Sub(p.LastAccessed) <= w.cfg.AggressiveWindow && p.AccessCount >= w.cfg.AggressiveMinCount {
			out = append(out, w.ids[name])
		}
	}
	return out
}

func (w *Warmer) selectPredictive(now time.Time) []feed.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []feed.ID
	for name, ps := range w.patterns {
		p := ps.pattern
		delta := p.PredictedNextAccess.Sub(now)
		if delta > 0 && delta <= w.cfg.PredictiveHorizon {
			out = append(out, w.ids[name])
		}
	}
	return out
}

func (w *Warmer) selectMaintenance(now time.Time) []feed.ID {
	w.mu.Lock()
	// Sweep stale patterns (> 24h idle) while we hold the lock, per spec:
	// "Stale patterns (> 24h idle) are swept on the maintenance tick."
	for name, ps := range w.patterns {
		if now.Sub(ps.pattern.LastAccessed) > w.cfg.IdleEviction {
			delete(w.patterns, name)
			delete(w.ids, name)
		}
	}

	var out []feed.ID
	for name, ps := range w.patterns {
		if now.Sub(ps.pattern.LastAccessed) <= w.cfg.MaintenanceWindow {
			out = append(out, w.ids[name])
		}
	}
	w.mu.Unlock()
	return out
}
