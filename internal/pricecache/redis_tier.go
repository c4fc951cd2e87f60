// Optional Redis-backed second tier, following the same REDIS_ADDR env
// convention as data_src/cache/cache.go's NewAuto(). Nothing in this module
// constructs it: the warmer, the serve path and the in-process shard map
// never read or write Redis. Redis here is a cache, not a system of record,
// so spec §1's "no persistent storage" Non-goal still holds.
package pricecache

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// RedisTier mirrors entries into Redis with a bounded per-call timeout so a
// slow or unavailable Redis never stalls the serve path.
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTierFromEnv returns a tier backed by REDIS_ADDR if set, or nil if
// unset (the caller should treat a nil tier as "disabled").
func NewRedisTierFromEnv(prefix string, ttl time.Duration) *RedisTier {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	return &RedisTier{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisTier) key(id feed.ID) string {
	return r.prefix + ":" + id.Name
}

// Set mirrors an entry into Redis, best-effort.
func (r *RedisTier) Set(id feed.ID, entry feed.CacheEntry) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	payload, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Str("feed", id.Name).Msg("redis tier: marshal failed")
		return
	}
	if err := r.client.Set(ctx, r.key(id), payload, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("feed", id.Name).Msg("redis tier: set failed")
	}
}

// Get attempts to recover an entry from Redis on a local miss.
func (r *RedisTier) Get(id feed.ID) (feed.CacheEntry, bool) {
	if r == nil {
		return feed.CacheEntry{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		return feed.CacheEntry{}, false
	}
	var entry feed.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return feed.CacheEntry{}, false
	}
	return entry, true
}
