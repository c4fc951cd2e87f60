// Package aggsvc implements the aggregation service (spec §4.H): the
// layer between the data manager and the consensus aggregator. It holds a
// latest-wins map per source per feed, batches updates on a 100ms tick so
// bursts collapse into one aggregate call per feed per tick, and runs an
// isolated subscriber notification fan-out.
package aggsvc

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/consensus"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Config tunes batching and result-cache behavior.
type Config struct {
	ResultCacheTTL time.Duration
	BatchTick      time.Duration
	MaxStaleness   time.Duration
}

var DefaultConfig = Config{
	ResultCacheTTL: time.Second,
	BatchTick:      100 * time.Millisecond,
	MaxStaleness:   feed.DefaultMaxStaleness,
}

// AccessRecorder is the cache warmer's access-tracking surface; kept as an
// interface so this package never imports warmer directly.
type AccessRecorder interface {
	TrackFeedAccess(id feed.ID, now time.Time)
}

// Callback receives a freshly aggregated price. An error or panic from a
// callback is isolated: logged, and subsequent subscribers still run.
type Callback func(price feed.AggregatedPrice) error

type subscriber struct {
	id uint64
	cb Callback
}

// volumeRingSize bounds the per-source recent-update ring GetVolumeSum
// reads from; it only needs to cover a few seconds of trade prints at
// typical exchange rates.
const volumeRingSize = 64

type feedState struct {
	mu        sync.Mutex
	perSource map[string]feed.Update
	history   map[string][]feed.Update // source -> bounded recent-updates ring
	dirty     bool
	hasCached bool
	cached    feed.AggregatedPrice
	cachedAt  time.Time
}

// Service is the aggregation service.
type Service struct {
	cfg      Config
	agg      *consensus.Aggregator
	recorder AccessRecorder

	mu    sync.Mutex
	feeds map[string]*feedState
	subs  map[string][]subscriber
	subID uint64

	pendingMu sync.Mutex
	pending   map[string]feed.ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an aggregation service. recorder may be nil.
func New(cfg Config, agg *consensus.Aggregator, recorder AccessRecorder) *Service {
	return &Service{
		cfg:      cfg,
		agg:      agg,
		recorder: recorder,
		feeds:    make(map[string]*feedState),
		subs:     make(map[string][]subscriber),
		pending:  make(map[string]feed.ID),
	}
}

func (s *Service) stateFor(name string) *feedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.feeds[name]
	if !ok {
		fs = &feedState{perSource: make(map[string]feed.Update), history: make(map[string][]feed.Update)}
		s.feeds[name] = fs
	}
	return fs
}

// validUpdate is the lightweight per-update check the spec attributes to
// "E's update validator" run at ingest time; the authoritative two-pass
// staleness/confidence validation still happens inside Aggregate.
func validUpdate(u feed.Update) bool {
	if !(u.Price > 0) || math.IsInf(u.Price, 0) || math.IsNaN(u.Price) {
		return false
	}
	return u.Confidence >= 0 && u.Confidence <= 1
}

// AddPriceUpdate accepts a validated update into the feed's latest-wins
// map, marks it dirty, invalidates the result cache, and records access
// for the cache warmer.
func (s *Service) AddPriceUpdate(id feed.ID, u feed.Update) {
	if !validUpdate(u) {
		return
	}
	now := time.Now()
	fs := s.stateFor(id.Name)

	fs.mu.Lock()
	fs.perSource[u.Source] = u
	fs.dirty = true
	ring := append(fs.history[u.Source], u)
	if len(ring) > volumeRingSize {
		ring = ring[len(ring)-volumeRingSize:]
	}
	fs.history[u.Source] = ring
	fs.mu.Unlock()

	s.markPending(id)
	if s.recorder != nil {
		s.recorder.TrackFeedAccess(id, now)
	}
}

func (s *Service) markPending(id feed.ID) {
	s.pendingMu.Lock()
	s.pending[id.Name] = id
	s.pendingMu.Unlock()
}

// GetAggregatedPrice returns the latest aggregated price for a feed,
// serving the cached result when the feed isn't dirty and the cache
// hasn't expired. Returns ok=false on error rather than propagating it;
// the caller decides how to handle absence.
func (s *Service) GetAggregatedPrice(id feed.ID, now time.Time) (feed.AggregatedPrice, bool) {
	fs := s.stateFor(id.Name)

	fs.mu.Lock()
	if !fs.dirty && fs.hasCached && now.Sub(fs.cachedAt) < s.cfg.ResultCacheTTL {
		cached := fs.cached
		fs.mu.Unlock()
		return cached, true
	}
	fresh := make([]feed.Update, 0, len(fs.perSource))
	for _, u := range fs.perSource {
		if u.Age(now) <= s.cfg.MaxStaleness*2 {
			fresh = append(fresh, u)
		}
	}
	fs.mu.Unlock()

	result, err := s.agg.Aggregate(id, fresh, now)
	if err != nil {
		log.Debug().Str("feed", id.Name).Err(err).Msg("aggsvc: aggregate failed")
		return feed.AggregatedPrice{}, false
	}

	fs.mu.Lock()
	fs.cached = result
	fs.cachedAt = now
	fs.hasCached = true
	fs.dirty = false
	fs.mu.Unlock()

	return result, true
}

// GetVolumeSum sums the volume of every recent update across all sources
// for id whose age is within window (spec §9 Volume window semantics: read
// from the same per-source stream the aggregator buffers, not a separate
// REST pull path). ok is false if no volume-bearing updates fall in the
// window.
func (s *Service) GetVolumeSum(id feed.ID, window time.Duration, now time.Time) (sum float64, ok bool) {
	fs := s.stateFor(id.Name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, ring := range fs.history {
		for _, u := range ring {
			if !u.HasVolume {
				continue
			}
			if u.Age(now) <= window {
				sum += u.Volume
				ok = true
			}
		}
	}
	return sum, ok
}

// Subscribe registers cb to be notified after every successful tick-driven
// aggregation of id. The returned function unsubscribes.
func (s *Service) Subscribe(id feed.ID, cb Callback) func() {
	s.mu.Lock()
	s.subID++
	subID := s.subID
	s.subs[id.Name] = append(s.subs[id.Name], subscriber{id: subID, cb: cb})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[id.Name]
		for i, sub := range list {
			if sub.id == subID {
				s.subs[id.Name] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

func (s *Service) notify(id feed.ID, price feed.AggregatedPrice) {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.subs[id.Name]...)
	s.mu.Unlock()

	for _, sub := range subs {
		s.runCallback(id, sub, price)
	}
}

func (s *Service) runCallback(id feed.ID, sub subscriber, price feed.AggregatedPrice) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("feed", id.Name).Interface("panic", r).Msg("aggsvc: subscriber panicked, isolated")
		}
	}()
	if err := sub.cb(price); err != nil {
		log.Error().Str("feed", id.Name).Err(err).Msg("aggsvc: subscriber returned error, isolated")
	}
}

// Run starts the batch-tick loop: every BatchTick, each feed touched since
// the previous tick gets at most one GetAggregatedPrice call, and
// subscribers are notified on success.
func (s *Service) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.tickLoop(ctx)
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processTick()
		}
	}
}

func (s *Service) processTick() {
	s.pendingMu.Lock()
	batch := s.pending
	s.pending = make(map[string]feed.ID)
	s.pendingMu.Unlock()

	now := time.Now()
	for _, id := range batch {
		price, ok := s.GetAggregatedPrice(id, now)
		if !ok {
			continue
		}
		s.notify(id, price)
	}
}

// CacheStats exposes the underlying consensus aggregator's result-cache
// hit/miss counters for health reporting.
func (s *Service) CacheStats() (hits, misses int64) {
	return s.agg.CacheStats()
}

// Shutdown stops the batch-tick loop and waits for it to exit.
func (s *Service) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
