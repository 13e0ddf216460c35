package cache_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHostCache_WriteThroughAndInvalidation walks the default chain:
// LRU in front of the in-memory source.
func TestHostCache_WriteThroughAndInvalidation(t *testing.T) {
	ctx := context.Background()
	hosts, err := cache.NewHostCache(ctx, cache.HostCacheConfig{LRUSize: 2}, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = hosts.Close() })

	_, err = hosts.Fetch(ctx, 42)
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, hosts.Write(ctx, 42, cache.HostInfo{Name: "db-01", Enabled: true}))
	info, err := hosts.Fetch(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "db-01", info.Name)

	// Invalidation does not cascade, so the source still answers.
	require.NoError(t, hosts.Invalidate(ctx, 42))
	info, err = hosts.Fetch(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "db-01", info.Name)
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := cache.NewInMemoryStore[string, int]()

	_, err := s.Fetch(ctx, "miss")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, s.Write(ctx, "a", 1))
	v, err := s.Fetch(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Invalidate(ctx, "a"))
	_, err = s.Fetch(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
