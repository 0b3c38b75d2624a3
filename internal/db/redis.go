package db

import (
	"context"
	"fmt"

	"YrestData/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedis создаёт клиент для кэша (CACHE_DRIVER=redis) и проверяет соединение.
func OpenRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
		logger.Warn("redis_default_addr", nil)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}
