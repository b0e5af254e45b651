package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache remembers reputation reports per IP.
type Cache interface {
	Get(ctx context.Context, ip string) (Report, bool, error)
	Set(ctx context.Context, ip string, r Report, ttl time.Duration) error
}

type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisCache(rdb redis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "abuse:rep:"}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (Report, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, false, err
	}
	return r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ip string, r Report, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+ip, raw, ttl).Err()
}
