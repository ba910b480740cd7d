package common

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ CacheRepository = (*redisCache)(nil)

const redisOpTimeout = 3 * time.Second

type redisCache struct {
	rdb    redis.UniversalClient
	prefix string
	log    Logger
}

// NewRedisCache stores entries under prefix+":"+key. Redis errors are logged and
// reported to callers as a miss.
func NewRedisCache(rdb redis.UniversalClient, prefix string, log Logger) CacheRepository {
	if log == nil {
		log = NopLogger{}
	}
	return &redisCache{rdb: rdb, prefix: prefix, log: log}
}

func (c *redisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warnf("redis get %s: %v", c.key(key), err)
		return nil, false
	}
	return val, true
}

func (c *redisCache) Set(key string, value []byte, expiration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if expiration < 0 {
		expiration = 0
	}
	if err := c.rdb.Set(ctx, c.key(key), value, expiration).Err(); err != nil {
		c.log.Errorf("redis set %s: %v", c.key(key), err)
	}
}

func (c *redisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		c.log.Errorf("redis del %s: %v", c.key(key), err)
	}
}
