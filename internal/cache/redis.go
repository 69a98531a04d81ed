package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces swapd keys in a shared Redis.
const DefaultRedisPrefix = "swapd"

// Redis is a Cache shared between daemon replicas. SetIfAbsent is a
// single SET NX so two replicas cannot both claim an action.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig configures a Redis cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Key returns the Redis key for a namespace and key.
func (r *Redis) Key(ns, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, ns, key)
}

func (r *Redis) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.Key(ns, key), value, redisTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, ns, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.Key(ns, key), value, redisTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Get(ctx context.Context, ns, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.Key(ns, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *Redis) Remove(ctx context.Context, ns, key string) error {
	if err := r.client.Del(ctx, r.Key(ns, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Has(ctx context.Context, ns, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.Key(ns, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) RemainingTTL(ctx context.Context, ns, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, r.Key(ns, key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl: %w", err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	switch {
	case d == -2 || d == -2*time.Millisecond:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
