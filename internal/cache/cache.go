// Package cache is the read-through cache namespace on the shared Redis
// pool. Every operation is fail-open: an error is logged and reported as a
// miss so the caller falls back to the store.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/metrics"
)

// StatsKey holds the cached stats summary.
const StatsKey = "stats:summary"

// QueryKey builds the cache key for a recent-records query.
func QueryKey(deviceID string, limit int) string {
	return fmt.Sprintf("logs:%s:%d", deviceID, limit)
}

type Cache struct {
	pool *redis.Pool
	log  zerolog.Logger
}

func New(pool *redis.Pool, log zerolog.Logger) *Cache {
	return &Cache{pool: pool, log: log.With().Str("component", "cache").Logger()}
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		c.miss(key, err)
		return nil, false
	}
	defer conn.Close()

	val, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if err == redis.ErrNil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		c.miss(key, err)
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return val, true
}

// SetEx stores value under key for ttl. Failures are logged and dropped.
func (c *Cache) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set skipped")
		return
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "SETEX", key, int64(ttl/time.Second), value); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Del removes key. Failures are logged and dropped.
func (c *Cache) Del(ctx context.Context, key string) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache del skipped")
		return
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "DEL", key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache del failed")
	}
}

func (c *Cache) miss(key string, err error) {
	metrics.CacheLookups.WithLabelValues("error").Inc()
	c.log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
}
