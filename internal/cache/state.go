package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterbill/internal/config"
	"go.uber.org/fx"
)

// StateCache stores serialized entitlement state. Values are opaque
// bytes; keys embed the grant set version so stale entries are never
// served after a grant change.
type StateCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// New returns a redis-backed cache when an address is configured and an
// in-process one otherwise. Single-node deployments and tests run
// without redis.
func New(cfg config.Config) StateCache {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return NewMemory()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	return &redisCache{client: client}
}

var Module = fx.Module("cache",
	fx.Provide(New),
)

type redisCache struct {
	client *redis.Client
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

type memoryCache struct {
	ttl *TTL[[]byte]
}

func NewMemory() StateCache {
	return &memoryCache{ttl: NewTTL[[]byte]()}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.ttl.Get(key, time.Now())
	return v, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.ttl.Set(key, value, time.Now(), ttl)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.ttl.Delete(key)
	return nil
}
