package queue

import (
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/siftlog/siftlog/internal/config"
)

// NewRedisPool builds the process-wide redigo pool shared by the queue and
// the cache namespace. MaxActive bounds concurrent connections; Wait makes
// acquirers block instead of erroring when the pool is saturated.
func NewRedisPool(cfg config.RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxActive:   cfg.MaxConns,
		MaxIdle:     cfg.MaxConns / 4,
		Wait:        true,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			var opts []redis.DialOption
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.Dial("tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}
