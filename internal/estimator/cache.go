package estimator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
)

// Cache is the Estimator Client's get_cached/store layer: an
// exact-key, short-TTL cache keyed by job_key. Adapted from the
// teacher's semantic cache engine (caching.go), stripped of embedding
// similarity search since job_key equality is exact. Backed by Redis
// when reachable; falls back to an in-process map, mirroring the
// "continue without Redis" posture the teacher's main.go takes on
// Redis ping failure.
type Cache struct {
	logger  zerolog.Logger
	ttl     time.Duration
	metrics *metrics.Metrics

	redis *redis.Client

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	estimate  Estimate
	expiresAt time.Time
}

// NewCache constructs a Cache. redisClient may be nil, in which case
// the cache runs entirely in-process.
func NewCache(redisClient *redis.Client, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{
		logger:  logger.With().Str("component", "estimator_cache").Logger(),
		ttl:     ttl,
		metrics: m,
		redis:   redisClient,
		local:   make(map[string]localEntry),
	}
}

func cacheKey(jobKey string) string {
	return "filament:estimate:" + jobKey
}

// Get returns the cached Estimate for jobKey, or ok=false on miss.
func (c *Cache) Get(ctx context.Context, jobKey string) (Estimate, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, cacheKey(jobKey)).Bytes()
		if err == nil {
			var est Estimate
			if jsonErr := json.Unmarshal(raw, &est); jsonErr == nil {
				c.trackHit(true)
				return est, true
			}
		} else if err != redis.Nil {
			c.logger.Warn().Err(err).Msg("redis get failed, falling back to in-process cache")
		}
	}

	c.mu.RLock()
	entry, ok := c.local[jobKey]
	c.mu.RUnlock()
	if !ok || entry.expiresAt.Before(time.Now()) {
		c.trackHit(false)
		return Estimate{}, false
	}
	c.trackHit(true)
	return entry.estimate, true
}

// Set stores est under jobKey with the cache's configured TTL.
func (c *Cache) Set(ctx context.Context, jobKey string, est Estimate) {
	est.CachedAt = time.Now().UTC()

	if c.redis != nil {
		if raw, err := json.Marshal(est); err == nil {
			if err := c.redis.Set(ctx, cacheKey(jobKey), raw, c.ttl).Err(); err != nil {
				c.logger.Warn().Err(err).Msg("redis set failed, writing to in-process cache only")
			}
		}
	}

	c.mu.Lock()
	c.local[jobKey] = localEntry{estimate: est, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) trackHit(hit bool) {
	if c.metrics != nil {
		c.metrics.TrackEstimateCache(hit)
	}
}
