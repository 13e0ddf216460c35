// Package cache keeps the host metadata that sinks use to label their rows.
// Layers are chained: an in-process LRU in front of Redis in front of a
// Firestore collection (or an in-memory map when no Firestore is configured).
// Each layer falls back to the next on a miss and writes through to it.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no layer of the chain knows the key.
var ErrNotFound = errors.New("not found in cache")

// Fetcher retrieves values by key.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}

// Store is a Fetcher that can also be written to and invalidated.
type Store[K comparable, V any] interface {
	Fetcher[K, V]
	Write(ctx context.Context, key K, value V) error
	Invalidate(ctx context.Context, key K) error
}

// HostInfo is the metadata kept for one monitored host, keyed by host id.
type HostInfo struct {
	Name    string `json:"name" firestore:"name"`
	Address string `json:"address,omitempty" firestore:"address,omitempty"`
	Enabled bool   `json:"enabled" firestore:"enabled"`
}
