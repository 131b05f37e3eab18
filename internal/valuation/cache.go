package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"dealdesk/internal/domain"
)

// Cache stores appraisals by key. A miss is (zero, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (domain.Valuation, bool, error)
	Set(ctx context.Context, key string, v domain.Valuation) error
}

// MemoryCache is a size-bounded LRU whose entries expire after a TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, domain.Valuation]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 512
	}
	return &MemoryCache{lru: expirable.NewLRU[string, domain.Valuation](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (domain.Valuation, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, v domain.Valuation) error {
	c.lru.Add(key, v)
	return nil
}

func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// RedisCache shares appraisals between server instances.
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

// DialRedis connects and pings before returning.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (c RedisCache) key(k string) string {
	if c.Prefix == "" {
		return "dealdesk:valuation:" + k
	}
	return c.Prefix + k
}

func (c RedisCache) Get(ctx context.Context, key string) (domain.Valuation, bool, error) {
	raw, err := c.Client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Valuation{}, false, nil
	}
	if err != nil {
		return domain.Valuation{}, false, err
	}
	var v domain.Valuation
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.Valuation{}, false, fmt.Errorf("decode cached valuation: %w", err)
	}
	return v, true, nil
}

func (c RedisCache) Set(ctx context.Context, key string, v domain.Valuation) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, c.key(key), raw, c.TTL).Err()
}

// Tiered checks Local first and back-fills it from Shared.
type Tiered struct {
	Local  Cache
	Shared Cache
}

func (t Tiered) Get(ctx context.Context, key string) (domain.Valuation, bool, error) {
	if v, ok, err := t.Local.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := t.Shared.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	_ = t.Local.Set(ctx, key, v)
	return v, true, nil
}

func (t Tiered) Set(ctx context.Context, key string, v domain.Valuation) error {
	_ = t.Local.Set(ctx, key, v)
	return t.Shared.Set(ctx, key, v)
}
