// Package pricecache implements the real-time cache (spec §4.F): a bounded,
// sharded, concurrent feed->CacheEntry map with LRU eviction, auto-resize,
// a freshness predicate, and hit/miss accounting. Sharding by feed-hash with
// per-shard locks follows spec §5's concurrency model ("reads do not block
// reads; writes are short") and data_src/cache/cache.go's split between an
// in-memory map and an optional Redis-backed tier.
package pricecache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Config tunes the cache's capacity and freshness rules (spec §4.F).
type Config struct {
	MaxEntries      int           // initial total capacity across all shards; auto-resize can grow each shard to MaxResizeFactor times its share
	ShardCount      int           // concurrency fan-out
	TTL             time.Duration // absolute entry lifetime
	ServeFreshness  time.Duration // freshness bound for serve-path reads (2s default)
	WarmFreshness   time.Duration // freshness bound the warmer uses (200ms default)
	ResizeThreshold float64       // fill ratio that triggers a shard's auto-resize
	ResizeFactor    float64       // growth multiplier applied on resize
	MaxResizeFactor float64       // ceiling on cumulative growth relative to the original per-shard size
}

// DefaultConfig matches spec §4.F's stated defaults.
var DefaultConfig = Config{
	MaxEntries:      4096,
	ShardCount:      16,
	TTL:             5 * time.Second,
	ServeFreshness:  2000 * time.Millisecond,
	WarmFreshness:   200 * time.Millisecond,
	ResizeThreshold: 0.85,
	ResizeFactor:    1.5,
	MaxResizeFactor: 4.0,
}

type item struct {
	feed    feed.ID
	entry   feed.CacheEntry
	elem    *list.Element
}

// shard owns one partition of the keyspace exclusively; its lock never
// escapes this file.
type shard struct {
	mu          sync.Mutex
	items       map[string]*item
	lru         *list.List // front = most recently used
	capacity    int
	baseCapacity int
}

// Cache is the real-time cache F. All methods are safe for concurrent use.
type Cache struct {
	cfg    Config
	shards []*shard

	hits   int64
	misses int64
}

// New constructs a Cache per cfg.
func New(cfg Config) *Cache {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	perShard := cfg.MaxEntries / cfg.ShardCount
	if perShard <= 0 {
		perShard = 1
	}
	c := &Cache{cfg: cfg, shards: make([]*shard, cfg.ShardCount)}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:        make(map[string]*item, perShard),
			lru:          list.New(),
			capacity:     perShard,
			baseCapacity: perShard,
		}
	}
	return c
}

func (c *Cache) shardFor(id feed.ID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.Name))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the raw stored entry for feed, if present and not past its
// absolute TTL. It does not apply the caller's freshness predicate; use
// IsFresh with the entry's Timestamp for that (spec: the cache itself never
// rejects an older write, only the invalidate path and TTL expiry remove
// entries).
func (c *Cache) Get(id feed.ID) (feed.CacheEntry, bool) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id.Name]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return feed.CacheEntry{}, false
	}
	if c.cfg.TTL > 0 && time.Since(it.entry.Timestamp) > c.cfg.TTL {
		s.removeLocked(id.Name)
		atomic.AddInt64(&c.misses, 1)
		return feed.CacheEntry{}, false
	}
	s.lru.MoveToFront(it.elem)
	atomic.AddInt64(&c.hits, 1)
	return it.entry, true
}

// IsFresh reports whether entry satisfies now - entry.Timestamp <= within.
func IsFresh(entry feed.CacheEntry, now time.Time, within time.Duration) bool {
	return now.Sub(entry.Timestamp) <= within
}

// Set stores entry for feed, idempotent at the key level: it never rejects
// an older timestamp because the writer (the aggregator) is authoritative.
func (c *Cache) Set(id feed.ID, entry feed.CacheEntry) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[id.Name]; ok {
		existing.entry = entry
		s.lru.MoveToFront(existing.elem)
		return
	}

	fillRatio := float64(len(s.items)+1) / float64(s.capacity)
	if fillRatio > c.cfg.ResizeThreshold && float64(s.capacity) < float64(s.baseCapacity)*c.cfg.MaxResizeFactor {
		s.capacity = int(float64(s.capacity) * c.cfg.ResizeFactor)
	}
	if len(s.items) >= s.capacity {
		s.evictOldestLocked()
	}

	elem := s.lru.PushFront(id.Name)
	s.items[id.Name] = &item{feed: id, entry: entry, elem: elem}
}

func (s *shard) evictOldestLocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	s.removeLocked(key)
}

func (s *shard) removeLocked(key string) {
	it, ok := s.items[key]
	if !ok {
		return
	}
	s.lru.Remove(it.elem)
	delete(s.items, key)
}

// InvalidateOnPriceUpdate drops feed's entry outright if present, forcing
// the next read to repopulate (spec §4.F).
func (c *Cache) InvalidateOnPriceUpdate(id feed.ID) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id.Name)
}

// ClearCache removes every entry from every shard.
func (c *Cache) ClearCache() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*item, s.baseCapacity)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// Stats is the hit/miss/size snapshot spec §4.F requires.
type Stats struct {
	Hits         int64
	Misses       int64
	TotalEntries int
	HitRate      float64
	MemoryEst    int64 // rough estimate, bytes
}

// Stats returns current accounting. hitRate is 0 when hits+misses == 0
// (testable property 8).
func (c *Cache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	var total int
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	const estBytesPerEntry = 256 // symbol + sources slice + scalars, rounded up
	return Stats{
		Hits:         hits,
		Misses:       misses,
		TotalEntries: total,
		HitRate:      hitRate,
		MemoryEst:    int64(total) * estBytesPerEntry,
	}
}
