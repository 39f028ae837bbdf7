// Package kv wraps the Redis client behind the small operation set the
// gateway needs: plain get/set with TTL, atomic increment-with-expiry for
// rate counters, hashes for aggregated stats, and prefix deletion.
//
// The KV store is a soft dependency. Every failure is wrapped in
// ErrUnavailable so callers can degrade (cache miss, rate-limit fail-open)
// instead of failing the request.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps any transport or server error from the KV store.
var ErrUnavailable = errors.New("kv unavailable")

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv key not found")

// Client is the KV operation set used by the cache and rate limiter.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// IncrWithExpiry atomically increments key and ensures its expiry in a
	// single round trip, returning the post-increment value.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

type redisClient struct {
	rdb *redis.Client
}

// NewRedis creates a Client backed by a single Redis node.
func NewRedis(addr, password string, db int) Client {
	return &redisClient{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		}),
	}
}

func (c *redisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("get", err)
	}
	return v, nil
}

func (c *redisClient) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap("setex", err)
	}
	return nil
}

func (c *redisClient) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrap("incr", err)
	}
	return incr.Val(), nil
}

func (c *redisClient) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("hget", err)
	}
	return v, nil
}

func (c *redisClient) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return wrap("hset", err)
	}
	return nil
}

func (c *redisClient) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := c.rdb.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, wrap("hincrby", err)
	}
	return v, nil
}

// DeleteByPrefix scans for keys matching prefix* and deletes them in batches.
func (c *redisClient) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			n, err := c.rdb.Del(ctx, batch...).Result()
			deleted += n
			if err != nil {
				return deleted, wrap("del", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, wrap("scan", err)
	}
	if len(batch) > 0 {
		n, err := c.rdb.Del(ctx, batch...).Result()
		deleted += n
		if err != nil {
			return deleted, wrap("del", err)
		}
	}
	return deleted, nil
}

func (c *redisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrap("del", err)
	}
	return nil
}

func (c *redisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrap("ping", err)
	}
	return nil
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
