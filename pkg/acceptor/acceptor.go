// Package acceptor serves inbound peers: an Acceptor repeatedly opens its
// listening endpoint and gives every accepted stream a Feeder that puts the
// peer's events on the bus and sends back the events the peer subscribes to.
package acceptor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/metrics"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/queuefile"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultRetryInterval = 15 * time.Second
	DefaultReadTimeout   = time.Second
)

// Config holds the acceptor settings. The filters and queue settings apply
// to the muxer of every feeder.
type Config struct {
	Name          string
	RetryInterval time.Duration
	ReadTimeout   time.Duration
	// ReadFilter selects the bus events sent back to peers. None disables
	// the outbound direction.
	ReadFilter filter.Set
	// WriteFilter selects the inbound events allowed onto the bus.
	WriteFilter  filter.Set
	QueueMaxSize int
	QueueDir     string
	QueueFile    queuefile.Config
}

// Acceptor accepts peers on one endpoint.
type Acceptor struct {
	cfg      Config
	endpoint endpoint.Endpoint
	engine   *multiplexing.Engine
	logger   zerolog.Logger

	mu        sync.Mutex
	started   bool
	exited    bool
	feeders   map[string]*Feeder
	accepted  uint64
	lastError string
	status    string

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	exitOnce sync.Once

	gaugeFeeders prometheus.Gauge
	ctrInbound   prometheus.Counter
}

// New creates an acceptor on ep, which must be a listening endpoint.
func New(cfg Config, ep endpoint.Endpoint, engine *multiplexing.Engine, logger zerolog.Logger) (*Acceptor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: acceptor name cannot be empty", types.ErrConfig)
	}
	if ep == nil || !ep.IsAcceptor() {
		return nil, fmt.Errorf("%w: acceptor %s needs a listening endpoint", types.ErrConfig, cfg.Name)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: acceptor %s has no engine", types.ErrConfig, cfg.Name)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	logger = logger.With().Str("component", "Acceptor").Str("acceptor", cfg.Name).Logger()
	if cfg.QueueDir != "" {
		// Feeder queues are named per connection and cannot be reattached.
		n, err := queuefile.RemoveWithPrefix(cfg.QueueDir, feederPrefix(cfg.Name))
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to remove queue files left by previous feeders.")
		} else if n > 0 {
			logger.Info().Int("files", n).Msg("Removed queue files left by previous feeders.")
		}
	}
	return &Acceptor{
		cfg:          cfg,
		endpoint:     ep,
		engine:       engine,
		logger:       logger,
		feeders:      make(map[string]*Feeder),
		status:       "not started",
		done:         make(chan struct{}),
		gaugeFeeders: metrics.AcceptorFeeders.WithLabelValues(cfg.Name),
		ctrInbound:   metrics.AcceptorInboundEventsTotal.WithLabelValues(cfg.Name),
	}, nil
}

// Name returns the acceptor name.
func (a *Acceptor) Name() string { return a.cfg.Name }

// Start launches the accept loop.
func (a *Acceptor) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.exited {
		return
	}
	a.started = true
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.accept(ctx)
	a.logger.Info().Str("endpoint", a.endpoint.Name()).Msg("Acceptor started.")
}

// Exit stops accepting, then stops and joins every feeder. It is
// idempotent.
func (a *Acceptor) Exit() {
	a.exitOnce.Do(func() {
		a.mu.Lock()
		a.exited = true
		started := a.started
		cancel := a.cancel
		a.mu.Unlock()

		if started {
			cancel()
			<-a.done
		} else {
			close(a.done)
		}
		a.wg.Wait()
		a.setStatus("stopped")
		a.logger.Info().Msg("Acceptor stopped.")
	})
}

func (a *Acceptor) accept(ctx context.Context) {
	defer close(a.done)
	for ctx.Err() == nil {
		a.setStatus(fmt.Sprintf("listening on %s", a.endpoint.Name()))
		stream, err := a.endpoint.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.mu.Lock()
			a.lastError = err.Error()
			a.status = fmt.Sprintf("accept failed, retrying in %s", a.cfg.RetryInterval)
			a.mu.Unlock()
			a.logger.Error().Err(err).Dur("retry_interval", a.cfg.RetryInterval).Msg("Failed to accept connection.")
			if !sleep(ctx, a.cfg.RetryInterval) {
				return
			}
			continue
		}

		feeder, err := a.newFeeder(stream)
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to create feeder, closing connection.")
			_, _ = stream.Stop(context.Background())
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			feeder.run(ctx)
			a.removeFeeder(feeder)
		}()
	}
}

func (a *Acceptor) newFeeder(stream endpoint.Stream) (*Feeder, error) {
	f, err := newFeeder(a.cfg, stream, a.engine, a.ctrInbound, a.logger)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.feeders[f.name] = f
	a.accepted++
	n := len(a.feeders)
	a.mu.Unlock()
	a.gaugeFeeders.Set(float64(n))
	return f, nil
}

func (a *Acceptor) removeFeeder(f *Feeder) {
	a.mu.Lock()
	delete(a.feeders, f.name)
	n := len(a.feeders)
	a.mu.Unlock()
	a.gaugeFeeders.Set(float64(n))
}

// Feeders returns the number of connected peers.
func (a *Acceptor) Feeders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.feeders)
}

func (a *Acceptor) setStatus(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// Stats is a JSON-able snapshot of an acceptor.
type Stats struct {
	Name      string        `json:"name"`
	Endpoint  string        `json:"endpoint"`
	Status    string        `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	Accepted  uint64        `json:"accepted"`
	Feeders   []FeederStats `json:"feeders"`
}

// Stats returns a snapshot of the acceptor and its feeders.
func (a *Acceptor) Stats() Stats {
	a.mu.Lock()
	s := Stats{
		Name:      a.cfg.Name,
		Endpoint:  a.endpoint.Name(),
		Status:    a.status,
		LastError: a.lastError,
		Accepted:  a.accepted,
	}
	feeders := make([]*Feeder, 0, len(a.feeders))
	for _, f := range a.feeders {
		feeders = append(feeders, f)
	}
	a.mu.Unlock()

	sort.Slice(feeders, func(i, j int) bool { return feeders[i].name < feeders[j].name })
	for _, f := range feeders {
		s.Feeders = append(s.Feeders, f.Stats())
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
