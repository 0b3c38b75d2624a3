package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis — общий для нескольких процессов кэш; ключи живут под префиксом.
type Redis struct {
	*codec
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient, opts ...Option) *Redis {
	o := buildOptions(opts)
	r := &Redis{rdb: rdb, prefix: o.prefix}
	r.codec = &codec{b: r, ttl: o.ttl}
	return r
}

func (r *Redis) load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

func (r *Redis) store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) remove(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

// clear удаляет только ключи своего префикса.
func (r *Redis) clear(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, r.prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}
	return nil
}
