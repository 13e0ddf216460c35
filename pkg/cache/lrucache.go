package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is a size-limited in-process cache with a Least Recently Used
// eviction policy. On a miss it fetches from the optional fallback and keeps
// the result.
type LRUCache[K comparable, V any] struct {
	cache    *lru.Cache[K, V]
	fallback Store[K, V]
}

// NewLRUCache creates an LRU cache holding at most maxSize items.
func NewLRUCache[K comparable, V any](maxSize int, fallback Store[K, V]) (*LRUCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	c, err := lru.New[K, V](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &LRUCache[K, V]{cache: c, fallback: fallback}, nil
}

func (c *LRUCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	if value, ok := c.cache.Get(key); ok {
		return value, nil
	}

	var zero V
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not in LRU cache and no fallback is configured: %w", key, ErrNotFound)
	}
	value, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	c.cache.Add(key, value)
	return value, nil
}

// Write stores the value here and writes it through to the fallback.
func (c *LRUCache[K, V]) Write(ctx context.Context, key K, value V) error {
	c.cache.Add(key, value)
	if c.fallback != nil {
		return c.fallback.Write(ctx, key, value)
	}
	return nil
}

// Invalidate removes the key from this layer only.
func (c *LRUCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.cache.Remove(key)
	return nil
}

// Len returns the number of cached keys.
func (c *LRUCache[K, V]) Len() int {
	return c.cache.Len()
}

// Close closes the fallback chain.
func (c *LRUCache[K, V]) Close() error {
	c.cache.Purge()
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}
