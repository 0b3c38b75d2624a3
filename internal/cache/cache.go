package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"YrestData/internal/config"
	"YrestData/internal/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache — хранилище с TTL для результатов привилегий и метаданных моделей.
// Значения сериализуются в JSON, поэтому Get декодирует в out.
type Cache interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Add(ctx context.Context, key string, value any, ttl time.Duration) error
	// GetOrDefault returns the cached value or computes, stores and returns it.
	// Concurrent callers of the same key share one computation.
	GetOrDefault(ctx context.Context, key string, out any, compute func(context.Context) (any, error), ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// backend хранит уже сериализованные значения.
type backend interface {
	load(ctx context.Context, key string) ([]byte, bool, error)
	store(ctx context.Context, key string, data []byte, ttl time.Duration) error
	remove(ctx context.Context, key string) error
	clear(ctx context.Context) error
}

type options struct {
	ttl      time.Duration
	maxBytes int64
	prefix   string
	now      func() time.Time
}

// Option configures a cache strategy.
type Option func(*options)

// WithTTL задаёт TTL по умолчанию (когда Add вызывается с ttl <= 0).
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithMaxBytes ограничивает суммарный размер памяти (только Memory).
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithPrefix задаёт пространство имён ключей (Redis, SQLite).
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: 20 * time.Minute, prefix: "yrest:", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// codec реализует Cache поверх backend.
type codec struct {
	b     backend
	ttl   time.Duration
	group singleflight.Group
}

func (c *codec) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return c.ttl
}

func (c *codec) Get(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := c.b.load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return true, nil
}

func (c *codec) Add(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return c.b.store(ctx, key, data, c.effectiveTTL(ttl))
}

func (c *codec) GetOrDefault(ctx context.Context, key string, out any, compute func(context.Context) (any, error), ttl time.Duration) error {
	if ok, err := c.Get(ctx, key, out); err == nil && ok {
		return nil
	} else if err != nil {
		logger.Warn("cache_get_failed", map[string]any{"key": key, "error": err.Error()})
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if data, ok, err := c.b.load(ctx, key); err == nil && ok {
			return data, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode cache entry %s: %w", key, err)
		}
		if err := c.b.store(ctx, key, data, c.effectiveTTL(ttl)); err != nil {
			// кэш недоступен, значение всё равно отдаём
			logger.Warn("cache_store_failed", map[string]any{"key": key, "error": err.Error()})
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), out)
}

func (c *codec) Remove(ctx context.Context, key string) error { return c.b.remove(ctx, key) }
func (c *codec) Clear(ctx context.Context) error              { return c.b.clear(ctx) }

// New выбирает стратегию по конфигурации. rdb нужен только для driver=redis.
func New(cfg config.CacheConfig, rdb redis.UniversalClient) (Cache, error) {
	opts := []Option{WithTTL(cfg.TTL), WithMaxBytes(cfg.MaxBytes)}
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("cache driver redis requires a redis client")
		}
		return NewRedis(rdb, opts...), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, opts...)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
