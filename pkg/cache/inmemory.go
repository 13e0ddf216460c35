package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore is a map-backed Store. It is the last layer of the chain
// when no Firestore collection is configured.
type InMemoryStore[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func NewInMemoryStore[K comparable, V any]() *InMemoryStore[K, V] {
	return &InMemoryStore[K, V]{
		data: make(map[K]V),
	}
}

func (c *InMemoryStore[K, V]) Fetch(_ context.Context, key K) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.data[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	return value, nil
}

func (c *InMemoryStore[K, V]) Write(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *InMemoryStore[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len returns the number of stored keys.
func (c *InMemoryStore[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *InMemoryStore[K, V]) Close() error { return nil }
