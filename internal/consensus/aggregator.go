// Package consensus implements the weighted-median consensus engine (spec
// §4.E): two-pass validation, source/time weighting, IQR outlier removal,
// weighted median, confidence/consensus scoring, and a short result cache
// keyed by a full-width hash of the input fingerprint (spec §9's
// recommendation over the teacher's short hash).
package consensus

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feederr"
)

// Config holds the tunables named throughout spec §4.E.
type Config struct {
	MaxStaleness       time.Duration // strict-pass staleness cap (default 2s)
	MinSources         int           // below this, a warning is logged; the lenient pass runs only when the strict pass keeps nothing
	DecayLambda        float64       // per-ms exponential decay constant
	OutlierThreshold   float64       // normalizes consensusScore (default 0.1)
	ResultCacheTTL      time.Duration // E.7 (default ~500ms)
	WeightUpdateInterval time.Duration // E.8 sweep period; no loop in this module reads it
}

// DefaultConfig matches the defaults spelled out in spec §4.E.
var DefaultConfig = Config{
	MaxStaleness:         feed.DefaultMaxStaleness,
	MinSources:           3,
	DecayLambda:          5e-5,
	OutlierThreshold:     0.1,
	ResultCacheTTL:       500 * time.Millisecond,
	WeightUpdateInterval: 30 * time.Second,
}

const (
	strictMinConfidence  = 0.1
	lenientMinConfidence = 0.05
)

// Aggregator computes one AggregatedPrice per call to Aggregate, and caches
// results by input fingerprint for ResultCacheTTL (spec §4.E.7).
type Aggregator struct {
	cfg     Config
	weights *WeightTable

	mu    sync.Mutex
	cache map[uint64]cacheSlot

	cacheHits   int64
	cacheMisses int64
}

type cacheSlot struct {
	result  feed.AggregatedPrice
	stored  time.Time
}

// New constructs an Aggregator. weights may be shared across feeds (it is
// keyed internally by source, not feed).
func New(cfg Config, weights *WeightTable) *Aggregator {
	return &Aggregator{cfg: cfg, weights: weights, cache: make(map[uint64]cacheSlot)}
}

// weighted is one update plus its derived combined weight, carried through
// the pipeline after validation.
type weighted struct {
	update feed.Update
	weight float64
}

// Aggregate runs the full E.1-E.7 pipeline for one feed's updates.
func (a *Aggregator) Aggregate(id feed.ID, updates []feed.Update, now time.Time) (feed.AggregatedPrice, error) {
	if len(updates) == 0 {
		return feed.AggregatedPrice{}, feederr.ErrNoValidData.WithFeed(id.Name)
	}

	key := a.fingerprint(updates, now)
	if cached, ok := a.lookupCache(key, now); ok {
		return cached, nil
	}

	retained, lenient, err := a.validate(updates, now)
	if err != nil {
		return feed.AggregatedPrice{}, err
	}

	weights := a.weightUpdates(retained, now)
	weights = removeOutliers(weights)
	if len(weights) == 0 {
		return feed.AggregatedPrice{}, feederr.ErrNoValidData.WithFeed(id.Name)
	}

	median, totalWeight := weightedMedian(weights)
	consensusScore := consensusScoreOf(weights, median, totalWeight, a.cfg.OutlierThreshold)
	confidence := confidenceOf(weights, consensusScore)

	sources := make([]string, 0, len(weights))
	seen := make(map[string]bool, len(weights))
	for _, w := range weights {
		if !seen[w.update.Source] {
			seen[w.update.Source] = true
			sources = append(sources, w.update.Source)
		}
	}
	sort.Strings(sources)

	result := feed.AggregatedPrice{
		Symbol:         id.Name,
		Price:          median,
		Timestamp:      now,
		Sources:        sources,
		Confidence:     confidence,
		ConsensusScore: consensusScore,
	}

	if lenient {
		log.Info().Str("feed", id.Name).Int("sources", len(sources)).Msg("consensus: lenient validation pass used")
	}

	a.storeCache(key, result, now)
	return result, nil
}

// validate implements spec §4.E.1's two-pass validation (property 4: an
// update past MaxStaleness may only contribute under the lenient pass when
// the strict pass yielded zero rows). Returns the retained updates, whether
// the lenient pass was used, and an error only when both passes yield zero
// rows.
func (a *Aggregator) validate(updates []feed.Update, now time.Time) ([]feed.Update, bool, error) {
	strict := filterUpdates(updates, now, a.cfg.MaxStaleness, strictMinConfidence)
	if len(strict) > 0 {
		if len(strict) < a.cfg.MinSources {
			log.Warn().Int("kind", int(feederr.KindInsufficientSources)).Int("sources", len(strict)).
				Int("min_sources", a.cfg.MinSources).Msg("consensus: strict pass below MinSources, proceeding with what's available")
		}
		return strict, false, nil
	}

	lenient := filterUpdates(updates, now, 2*a.cfg.MaxStaleness, lenientMinConfidence)
	if len(lenient) == 0 {
		return nil, true, feederr.ErrNoValidData
	}
	if len(lenient) < a.cfg.MinSources {
		log.Warn().Int("kind", int(feederr.KindInsufficientSources)).Int("sources", len(lenient)).
			Int("min_sources", a.cfg.MinSources).Msg("consensus: lenient pass below MinSources, proceeding with what's available")
	}
	return lenient, true, nil
}

func filterUpdates(updates []feed.Update, now time.Time, maxStaleness time.Duration, minConfidence float64) []feed.Update {
	out := make([]feed.Update, 0, len(updates))
	for _, u := range updates {
		if !(u.Price > 0) || math.IsInf(u.Price, 0) || math.IsNaN(u.Price) {
			continue
		}
		if u.Confidence < minConfidence {
			continue
		}
		if u.Age(now) > maxStaleness {
			continue
		}
		out = append(out, u)
	}
	return out
}

// weightUpdates computes combinedWeight for each update (spec §4.E.3).
func (a *Aggregator) weightUpdates(updates []feed.Update, now time.Time) []weighted {
	out := make([]weighted, 0, len(updates))
	for _, u := range updates {
		sw := a.weights.Get(u.Source)
		ageMs := float64(u.Age(now).Milliseconds())
		timeWeight := math.Exp(-a.cfg.DecayLambda * ageMs)
		w := sw.BaseWeight * sw.TierMultiplier * timeWeight * u.Confidence
		out = append(out, weighted{update: u, weight: w})
	}
	return out
}

// removeOutliers implements the IQR trim of spec §4.E.4. Skipped when n<=4.
func removeOutliers(points []weighted) []weighted {
	n := len(points)
	if n <= 4 {
		return points
	}
	sorted := append([]weighted(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].update.Price < sorted[j].update.Price })

	q1 := sorted[int(0.25*float64(n))].update.Price
	q3 := sorted[int(0.75*float64(n))].update.Price
	iqr := q3 - q1
	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr

	out := make([]weighted, 0, n)
	for _, p := range points {
		if p.update.Price >= lo && p.update.Price <= hi {
			out = append(out, p)
		}
	}
	return out
}

// weightedMedian implements spec §4.E.5, returning the median price and the
// total weight used (so callers can detect the W=0 degenerate case for
// scoring purposes).
func weightedMedian(points []weighted) (float64, float64) {
	sorted := append([]weighted(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].update.Price < sorted[j].update.Price })

	var total float64
	for _, p := range sorted {
		total += p.weight
	}

	if total <= 0 {
		// Degenerate: plain median of prices.
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid].update.Price, 0
		}
		return (sorted[mid-1].update.Price + sorted[mid].update.Price) / 2, 0
	}

	half := total / 2
	var cumulative float64
	for _, p := range sorted {
		cumulative += p.weight
		if cumulative >= half {
			return p.update.Price, total
		}
	}
	return sorted[len(sorted)-1].update.Price, total
}

// consensusScoreOf implements spec §4.E.6's first formula.
func consensusScoreOf(points []weighted, median, totalWeight, outlierThreshold float64) float64 {
	if totalWeight <= 0 || median == 0 {
		// Degenerate weighting: fall back to equal weights for the purpose
		// of scoring agreement so a single consistent cluster still scores
		// well even when every update arrived with zero combined weight.
		totalWeight = float64(len(points))
		if totalWeight == 0 {
			return 0
		}
		var dispersion float64
		for _, p := range points {
			dispersion += math.Abs(p.update.Price-median) / median
		}
		score := 1 - (dispersion / totalWeight / outlierThreshold)
		return clamp01(score)
	}

	var weightedDispersion float64
	for _, p := range points {
		weightedDispersion += p.weight * math.Abs(p.update.Price-median) / median
	}
	score := 1 - (weightedDispersion / totalWeight / outlierThreshold)
	return clamp01(score)
}

// confidenceOf implements spec §4.E.6's second formula: a weighted average
// of per-update confidence (falling back to a plain average when every
// point carries zero combined weight), plus a consensus term and a small
// per-source-count boost.
func confidenceOf(points []weighted, consensusScore float64) float64 {
	if len(points) == 0 {
		return 0
	}
	var weightSum, weightedConf, plainConf float64
	sources := make(map[string]bool, len(points))
	for _, p := range points {
		weightSum += p.weight
		weightedConf += p.weight * p.update.Confidence
		plainConf += p.update.Confidence
		sources[p.update.Source] = true
	}

	var avgConfidence float64
	if weightSum > 0 {
		avgConfidence = weightedConf / weightSum
	} else {
		avgConfidence = plainConf / float64(len(points))
	}

	sourceBoost := math.Min(0.2, 0.04*float64(len(sources)))
	confidence := 0.7*avgConfidence + 0.3*consensusScore + sourceBoost
	return clamp01(confidence)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fingerprint hashes the sorted (source, round(price*100), floor(ts/1000))
// tuples with a full-width xxhash, per spec §9's collision-risk fix over
// the teacher's short string hash.
func (a *Aggregator) fingerprint(updates []feed.Update, now time.Time) uint64 {
	parts := make([]string, 0, len(updates))
	for _, u := range updates {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", u.Source, int64(math.Round(u.Price*100)), u.TimestampMs/1000))
	}
	sort.Strings(parts)
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.WriteString("|")
	}
	return h.Sum64()
}

func (a *Aggregator) lookupCache(key uint64, now time.Time) (feed.AggregatedPrice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.cache[key]
	if !ok || now.Sub(slot.stored) > a.cfg.ResultCacheTTL {
		a.cacheMisses++
		return feed.AggregatedPrice{}, false
	}
	a.cacheHits++
	return slot.result, true
}

func (a *Aggregator) storeCache(key uint64, result feed.AggregatedPrice, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[key] = cacheSlot{result: result, stored: now}

	// Stochastic eviction sweep (spec §4.E.7): ~10% chance per insert.
	if rand.Float64() < 0.10 {
		cutoff := now.Add(-2 * a.cfg.ResultCacheTTL)
		for k, v := range a.cache {
			if v.stored.Before(cutoff) {
				delete(a.cache, k)
			}
		}
	}
}

// CacheStats reports hit/miss counters for the result cache.
func (a *Aggregator) CacheStats() (hits, misses int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cacheHits, a.cacheMisses
}

// RunWeightSweep refreshes LastUpdated across the weight table once per
// call (spec §4.E.8); reliability scores are left unchanged. Nothing in this
// module calls it on a timer.
func (a *Aggregator) RunWeightSweep(now time.Time) {
	a.weights.Touch(now)
}

// ResolveFeedName folds a raw update's quote currency into the canonical
// feed it should aggregate under, applying the USDT->USD normalization
// rule resolved in SPEC_FULL.md: USDT is treated as USD-pegged with a fixed
// 1.0 multiplier, no FX conversion.
func ResolveFeedName(base, quote string) string {
	if strings.EqualFold(quote, "USDT") {
		quote = "USD"
	}
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}
