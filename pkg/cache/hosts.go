package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
)

// DefaultLRUSize is the number of hosts kept in process.
const DefaultLRUSize = 10000

// HostCacheConfig selects the layers of the host metadata chain. Redis and
// Firestore are optional; without Firestore an in-memory map is the source.
type HostCacheConfig struct {
	LRUSize   int              `yaml:"lru_size"`
	Redis     *RedisConfig     `yaml:"redis"`
	Firestore *FirestoreConfig `yaml:"firestore"`
}

// NewHostCache assembles the host metadata chain and returns its top layer.
// fsClient is only used when cfg.Firestore is set.
func NewHostCache(ctx context.Context, cfg HostCacheConfig, fsClient *firestore.Client, logger zerolog.Logger) (Store[uint64, HostInfo], error) {
	var source Store[uint64, HostInfo]
	if cfg.Firestore != nil {
		fs, err := NewFirestoreSource[uint64, HostInfo](cfg.Firestore, fsClient, logger)
		if err != nil {
			return nil, err
		}
		source = fs
	} else {
		source = NewInMemoryStore[uint64, HostInfo]()
	}

	if cfg.Redis != nil {
		rc, err := NewRedisCache[uint64, HostInfo](ctx, cfg.Redis, logger, source)
		if err != nil {
			return nil, fmt.Errorf("host cache: %w", err)
		}
		source = rc
	}

	size := cfg.LRUSize
	if size <= 0 {
		size = DefaultLRUSize
	}
	return NewLRUCache[uint64, HostInfo](size, source)
}
