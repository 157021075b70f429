// internal/cache/redis.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier is a shared second-level store behind the in-process cache.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// RedisConfig configures the Redis tier.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr" mapstructure:"addr"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db" json:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix" mapstructure:"keyPrefix"`
}

// RedisTier stores entries in Redis so that several runtimes share results.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(ctx context.Context, cfg RedisConfig) (*RedisTier, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "marketrunner:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return &RedisTier{client: client, prefix: prefix}, nil
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Ping checks that Redis is reachable.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisTier) Close() error {
	return r.client.Close()
}
