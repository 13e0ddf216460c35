// Package enrichment labels sink rows with host metadata and keeps that
// metadata current from the HostConfig events flowing through the bus.
package enrichment

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Fetcher fetches data by key.
type Fetcher[K any, V any] func(ctx context.Context, key K) (V, error)

// KeyExtractor gets an enrichment key from an event.
type KeyExtractor[K comparable] func(ev *types.Event) (K, bool)

// Applier applies fetched data to a target built from the event, such as a
// sink row.
type Applier[R any, V any] func(target R, data V)

// Enricher enriches target with the data looked up for ev. Events are never
// dropped because of a failed lookup; the target stays unlabelled.
type Enricher[R any] func(ctx context.Context, ev *types.Event, target R)

// NewEnricherFunc builds an Enricher from its three parts.
func NewEnricherFunc[K comparable, V any, R any](
	fetcher Fetcher[K, V],
	keyEx KeyExtractor[K],
	applier Applier[R, V],
	logger zerolog.Logger,
) (Enricher[R], error) {
	if fetcher == nil || keyEx == nil || applier == nil {
		return nil, fmt.Errorf("fetcher, keyExtractor, and applier cannot be nil")
	}

	enrichLogger := logger.With().Str("component", "EnricherFunc").Logger()

	return func(ctx context.Context, ev *types.Event, target R) {
		key, ok := keyEx(ev)
		if !ok {
			return
		}
		data, err := fetcher(ctx, key)
		if err != nil {
			enrichLogger.Debug().Err(err).Str("event", ev.String()).Msgf("No enrichment data for key '%v'", key)
			return
		}
		applier(target, data)
	}, nil
}

// HostKey extracts the host id of events that concern one host.
func HostKey(ev *types.Event) (uint64, bool) {
	var id uint64
	switch p := ev.Payload.(type) {
	case *types.HostStatus:
		id = p.HostID
	case *types.ServiceStatus:
		id = p.HostID
	case *types.Metric:
		id = p.HostID
	case *types.HostConfig:
		id = p.HostID
	}
	return id, id != 0
}
