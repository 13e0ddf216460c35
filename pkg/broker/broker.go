// Package broker applies a configuration: it builds the engine, one muxer
// and failover per output, one acceptor per input, the host registry, the
// stats dump and the HTTP server, and runs them as one unit.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/acceptor"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/config"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/enrichment"
	"github.com/illmade-knight/go-eventbroker/pkg/failover"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/microservice"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/queuefile"
	"github.com/illmade-knight/go-eventbroker/pkg/stats"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Broker is one configured event broker.
type Broker struct {
	cfg    *config.Config
	logger zerolog.Logger

	engine    *multiplexing.Engine
	offsets   *queuefile.BoltOffsetStore
	failovers []*failover.Failover
	acceptors []*acceptor.Acceptor
	hosts     *enrichment.HostRegistry
	dumper    *stats.Dumper
	server    *microservice.BaseServer

	mu        sync.Mutex
	startedAt time.Time
	stopped   bool
}

// New validates cfg and builds every component without starting any.
// hosts is optional; when set, host configuration events flowing through
// the bus are recorded into it. An empty cfg.HTTPPort disables the HTTP
// server.
func New(ctx context.Context, cfg *config.Config, registry *endpoint.Registry, hosts cache.Store[uint64, cache.HostInfo], logger zerolog.Logger) (*Broker, error) {
	if cfg == nil || registry == nil {
		return nil, fmt.Errorf("%w: broker needs a configuration and an endpoint registry", types.ErrConfig)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(registry.Has); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CacheDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("%w: cache directory %s: %v", types.ErrPersistence, cfg.CacheDirectory, err)
	}

	b := &Broker{
		cfg:    cfg,
		logger: logger.With().Str("component", "Broker").Str("broker", cfg.Name).Logger(),
		engine: multiplexing.NewEngine(logger),
	}
	offsets, err := queuefile.NewBoltOffsetStore(cfg.CacheDirectory)
	if err != nil {
		return nil, err
	}
	b.offsets = offsets

	if err := b.build(ctx, registry, hosts, logger); err != nil {
		_ = b.teardown()
		return nil, err
	}

	b.dumper = stats.NewDumper(func() any { return b.Stats() },
		filepath.Join(cfg.CacheDirectory, cfg.Name+"-stats.json"), cfg.StatsInterval, logger)
	if cfg.HTTPPort != "" {
		b.server = microservice.NewBaseServer(logger, cfg.HTTPPort, b.healthy)
		b.server.Handle("/stats", b.dumper)
	}
	return b, nil
}

func (b *Broker) build(ctx context.Context, registry *endpoint.Registry, hosts cache.Store[uint64, cache.HostInfo], logger zerolog.Logger) error {
	queueFile := queuefile.Config{MaxFileSize: b.cfg.QueueFileMaxSize, SyncOnWrite: b.cfg.QueueFileSync}
	secondaries := b.cfg.SecondaryNames()

	for _, out := range b.cfg.Outputs {
		if secondaries[out.Name] {
			continue
		}
		targets, err := b.targets(ctx, registry, out, logger)
		if err != nil {
			return err
		}
		readFilter, err := out.ReadFilter(filter.All())
		if err != nil {
			return err
		}
		writeFilter, err := out.WriteFilter(filter.None())
		if err != nil {
			return err
		}
		m, err := multiplexing.NewMuxer(out.Name, b.engine, multiplexing.MuxerConfig{
			ReadFilter:   readFilter,
			WriteFilter:  writeFilter,
			QueueMaxSize: b.cfg.EventQueueMaxSize,
			QueueDir:     b.cfg.CacheDirectory,
			QueueFile:    queueFile,
			Offsets:      b.offsets,
			Persistent:   out.Persistent,
		}, logger)
		if err != nil {
			return err
		}
		f, err := failover.New(failover.Config{
			Name:             out.Name,
			RetryInterval:    out.RetryInterval,
			ReadTimeout:      out.ReadTimeout,
			BufferingTimeout: out.BufferingTimeout,
		}, m, targets, logger)
		if err != nil {
			_ = m.Close()
			return err
		}
		b.failovers = append(b.failovers, f)
	}

	for _, in := range b.cfg.Inputs {
		ep, err := registry.Build(ctx, in.Config, logger)
		if err != nil {
			return err
		}
		readFilter, err := in.ReadFilter(filter.None())
		if err != nil {
			return err
		}
		writeFilter, err := in.WriteFilter(filter.All())
		if err != nil {
			return err
		}
		a, err := acceptor.New(acceptor.Config{
			Name:          in.Name,
			RetryInterval: in.RetryInterval,
			ReadTimeout:   in.ReadTimeout,
			ReadFilter:    readFilter,
			WriteFilter:   writeFilter,
			QueueMaxSize:  b.cfg.EventQueueMaxSize,
			QueueDir:      b.cfg.CacheDirectory,
			QueueFile:     queueFile,
		}, ep, b.engine, logger)
		if err != nil {
			return err
		}
		b.acceptors = append(b.acceptors, a)
	}

	if hosts != nil {
		reg, err := enrichment.NewHostRegistry(b.engine, hosts, logger)
		if err != nil {
			return err
		}
		b.hosts = reg
	}
	return nil
}

// targets builds the primary endpoint of out followed by its secondaries.
func (b *Broker) targets(ctx context.Context, registry *endpoint.Registry, out config.EndpointConfig, logger zerolog.Logger) ([]endpoint.Endpoint, error) {
	primary, err := registry.Build(ctx, out.Config, logger)
	if err != nil {
		return nil, err
	}
	targets := []endpoint.Endpoint{primary}
	for _, name := range out.Secondaries {
		sec, _ := b.cfg.Output(name)
		ep, err := registry.Build(ctx, sec.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("secondary of %s: %w", out.Name, err)
		}
		targets = append(targets, ep)
	}
	return targets, nil
}

// Start starts the engine, then every consumer and producer.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if !b.startedAt.IsZero() || b.stopped {
		b.mu.Unlock()
		return errors.New("broker already started")
	}
	b.startedAt = time.Now()
	b.mu.Unlock()

	b.engine.Start()
	if b.hosts != nil {
		b.hosts.Start(ctx)
	}
	for _, f := range b.failovers {
		f.Start()
	}
	for _, a := range b.acceptors {
		a.Start()
	}
	b.dumper.Start(ctx)
	if b.server != nil {
		if err := b.server.Start(); err != nil {
			return err
		}
	}
	b.logger.Info().
		Int("outputs", len(b.failovers)).
		Int("inputs", len(b.acceptors)).
		Msg("Broker started.")
	return nil
}

// Publish injects an event produced inside the process.
func (b *Broker) Publish(ev *types.Event) {
	b.engine.Publish(ev)
}

// Engine returns the event bus.
func (b *Broker) Engine() *multiplexing.Engine { return b.engine }

// HTTPPort returns the port the HTTP server listens on, or "" without one.
func (b *Broker) HTTPPort() string {
	if b.server == nil {
		return ""
	}
	return b.server.GetHTTPPort()
}

// Stop stops accepting input, gives every failover until ctx is done to
// write what its muxer holds, then shuts everything down. Persistent
// outputs keep their undelivered events for the next start.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping broker...")
	for _, a := range b.acceptors {
		a.Exit()
	}

	var g errgroup.Group
	for _, f := range b.failovers {
		g.Go(func() error {
			if !f.WaitForAllEventsWritten(ctx) {
				b.logger.Warn().Str("failover", f.Name()).Int("pending", f.Muxer().Pending()).Msg("Output not drained before shutdown.")
			}
			f.Exit()
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	if b.hosts != nil {
		if err := b.hosts.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("host registry: %w", err))
		}
	}
	b.engine.Stop()
	if err := b.dumper.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stats dump: %w", err))
	}
	if b.server != nil {
		if err := b.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.teardown(); err != nil {
		errs = append(errs, err)
	}
	b.logger.Info().Msg("Broker stopped.")
	return errors.Join(errs...)
}

// teardown closes the output muxers and the offset store.
func (b *Broker) teardown() error {
	var errs []error
	for _, f := range b.failovers {
		f.Exit()
		if err := f.Muxer().Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.hosts != nil {
		if err := b.hosts.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if b.offsets != nil {
		if err := b.offsets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("offset store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) healthy() error {
	if state := b.engine.State(); state != multiplexing.EngineRunning {
		return fmt.Errorf("engine is %s", state)
	}
	return nil
}

// Snapshot is the JSON document served at /stats and dumped to the cache
// directory.
type Snapshot struct {
	Name          string               `json:"name"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	Engine        string               `json:"engine"`
	Outputs       []failover.Stats     `json:"outputs"`
	Inputs        []acceptor.Stats     `json:"inputs"`
	HostsRecorded uint64               `json:"hosts_recorded"`
	Muxers        []multiplexing.Stats `json:"muxers"`
}

// Stats returns a snapshot of every component.
func (b *Broker) Stats() Snapshot {
	s := Snapshot{
		Name:   b.cfg.Name,
		Engine: b.engine.State().String(),
	}
	b.mu.Lock()
	if !b.startedAt.IsZero() {
		t := b.startedAt
		s.StartedAt = &t
	}
	b.mu.Unlock()

	for _, f := range b.failovers {
		s.Outputs = append(s.Outputs, f.Stats())
	}
	for _, a := range b.acceptors {
		s.Inputs = append(s.Inputs, a.Stats())
	}
	if b.hosts != nil {
		s.HostsRecorded = b.hosts.Recorded()
	}
	for _, m := range b.engine.Muxers() {
		s.Muxers = append(s.Muxers, m.Stats())
	}
	return s
}
