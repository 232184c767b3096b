package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/relay/txn"
)

// Cache keeps the last known good price per chain and speed. Get returns nil without
// an error when nothing was stored yet.
type Cache interface {
	Get(ctx context.Context, chainID uint64, speed txn.Speed) (*big.Int, error)
	Set(ctx context.Context, chainID uint64, speed txn.Speed, price *big.Int) error
}

type memoryCache struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
}

// NewMemoryCache returns a process local Cache.
func NewMemoryCache() Cache {
	return &memoryCache{prices: make(map[string]*big.Int)}
}

func (c *memoryCache) Get(_ context.Context, chainID uint64, speed txn.Speed) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	price, ok := c.prices[cacheKey("", chainID, speed)]
	if !ok {
		return nil, nil
	}

	return new(big.Int).Set(price), nil
}

func (c *memoryCache) Set(_ context.Context, chainID uint64, speed txn.Speed, price *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices[cacheKey("", chainID, speed)] = new(big.Int).Set(price)

	return nil
}

// RedisCache shares last known good prices between relay replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(ctx context.Context, cfg config.Redis) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}

	return &RedisCache{client: client, prefix: cfg.KeyPrefix}, nil
}

func (c *RedisCache) Get(ctx context.Context, chainID uint64, speed txn.Speed) (*big.Int, error) {
	value, err := c.client.Get(ctx, cacheKey(c.prefix, chainID, speed)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gas price from redis")
	}

	price, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, errors.Errorf("malformed cached gas price %q", value)
	}

	return price, nil
}

func (c *RedisCache) Set(ctx context.Context, chainID uint64, speed txn.Speed, price *big.Int) error {
	// last known good prices never expire
	return c.client.Set(ctx, cacheKey(c.prefix, chainID, speed), price.String(), 0).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func cacheKey(prefix string, chainID uint64, speed txn.Speed) string {
	return fmt.Sprintf("%sgasprice:%d:%s", prefix, chainID, speed)
}
