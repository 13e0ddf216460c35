package enrichment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// RegistryMuxerName is the name of the muxer the HostRegistry reads from.
const RegistryMuxerName = "host-registry"

const writeTimeout = 5 * time.Second

// HostRegistry is a bus consumer recording every HostConfig event into the
// host cache.
type HostRegistry struct {
	muxer  *multiplexing.Muxer
	hosts  cache.Store[uint64, cache.HostInfo]
	logger zerolog.Logger

	recorded atomic.Uint64
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewHostRegistry subscribes a HostConfig-only muxer to engine.
func NewHostRegistry(engine *multiplexing.Engine, hosts cache.Store[uint64, cache.HostInfo], logger zerolog.Logger) (*HostRegistry, error) {
	if hosts == nil {
		return nil, errors.New("host cache cannot be nil")
	}
	m, err := multiplexing.NewMuxer(RegistryMuxerName, engine, multiplexing.MuxerConfig{
		ReadFilter:  filter.Of(types.TypeHostConfig),
		WriteFilter: filter.None(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return &HostRegistry{
		muxer:  m,
		hosts:  hosts,
		logger: logger.With().Str("component", "HostRegistry").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Start begins consuming in a background goroutine.
func (r *HostRegistry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	r.logger.Info().Msg("Host registry started.")
}

func (r *HostRegistry) run(ctx context.Context) {
	defer close(r.done)
	for {
		ev, ok := r.muxer.Read(ctx, time.Time{})
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		r.record(ctx, ev)
		r.muxer.AckEvents(1)
	}
}

func (r *HostRegistry) record(ctx context.Context, ev *types.Event) {
	hc, ok := ev.Payload.(*types.HostConfig)
	if !ok || hc.HostID == 0 {
		r.logger.Warn().Str("event", ev.String()).Msg("Ignoring host configuration without host id.")
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	info := cache.HostInfo{Name: hc.Name, Address: hc.Address, Enabled: hc.Enabled}
	if err := r.hosts.Write(writeCtx, hc.HostID, info); err != nil {
		r.logger.Error().Err(err).Uint64("host_id", hc.HostID).Msg("Failed to record host configuration.")
		return
	}
	r.recorded.Add(1)
	r.logger.Debug().Uint64("host_id", hc.HostID).Str("host_name", hc.Name).Msg("Host configuration recorded.")
}

// Recorded returns the number of host configurations written to the cache.
func (r *HostRegistry) Recorded() uint64 { return r.recorded.Load() }

// Muxer returns the registry's muxer, for stats.
func (r *HostRegistry) Muxer() *multiplexing.Muxer { return r.muxer }

// Stop ends consumption and closes the muxer.
func (r *HostRegistry) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			select {
			case <-r.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if closeErr := r.muxer.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		r.logger.Info().Uint64("recorded", r.recorded.Load()).Msg("Host registry stopped.")
	})
	return err
}
