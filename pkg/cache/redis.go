package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"` // Prepended to every key, e.g. "broker:host:".
}

// RedisCache is a cache layer stored in Redis as JSON values.
type RedisCache[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
	fallback    Store[K, V]
}

// NewRedisCache connects to Redis and pings it before returning.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
	fallback Store[K, V],
) (*RedisCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisCache[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
		fallback:    fallback,
	}, nil
}

// Fetch checks Redis first. On a miss the fallback is asked and the value is
// written back to Redis in the background.
func (c *RedisCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	value, err := c.fetchFromRedis(ctx, key)
	if err == nil {
		return value, nil
	}

	var zero V
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Msg("Unexpected Redis error during fetch.")
		return zero, err
	}
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not in redis and no fallback is configured: %w", key, ErrNotFound)
	}

	sourceValue, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if writeErr := c.set(writeCtx, key, sourceValue); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", c.key(key)).Msg("Failed to write to cache in background.")
		}
	}()

	return sourceValue, nil
}

// Write stores the value in Redis and writes it through to the fallback.
func (c *RedisCache[K, V]) Write(ctx context.Context, key K, value V) error {
	if err := c.set(ctx, key, value); err != nil {
		return err
	}
	if c.fallback != nil {
		return c.fallback.Write(ctx, key, value)
	}
	return nil
}

func (c *RedisCache[K, V]) Invalidate(ctx context.Context, key K) error {
	if err := c.redisClient.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *RedisCache[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

func (c *RedisCache[K, V]) fetchFromRedis(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Result()
	if err != nil {
		return zero, err
	}

	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached data.")
		return zero, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	c.logger.Debug().Str("key", stringKey).Msg("Redis cache hit.")
	return value, nil
}

func (c *RedisCache[K, V]) set(ctx context.Context, key K, value V) error {
	stringKey := c.key(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := c.redisClient.Set(ctx, stringKey, jsonData, c.ttl).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to set data in Redis cache.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection and the fallback chain.
func (c *RedisCache[K, V]) Close() error {
	c.logger.Info().Msg("Closing Redis client connection...")
	err := c.redisClient.Close()
	if c.fallback != nil {
		err = errors.Join(err, c.fallback.Close())
	}
	return err
}
