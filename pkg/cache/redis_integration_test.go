//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	source := cache.NewInMemoryStore[uint64, cache.HostInfo]()
	cfg := &cache.RedisConfig{Addr: addr, CacheTTL: time.Minute, KeyPrefix: "broker-test:host:"}
	c, err := cache.NewRedisCache[uint64, cache.HostInfo](ctx, cfg, zerolog.Nop(), source)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	t.Run("Write then Fetch", func(t *testing.T) {
		value := cache.HostInfo{Name: "web-01", Address: "10.0.0.1", Enabled: true}
		require.NoError(t, c.Write(ctx, 1, value))

		retrieved, err := c.Fetch(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, value, retrieved)
		assert.Equal(t, 1, source.Len(), "written through to the source")
	})

	t.Run("Invalidate falls back to the source", func(t *testing.T) {
		require.NoError(t, c.Invalidate(ctx, 1))
		retrieved, err := c.Fetch(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "web-01", retrieved.Name)
	})

	t.Run("Miss everywhere", func(t *testing.T) {
		_, err := c.Fetch(ctx, 999)
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})
}
