// Package failover drives one output muxer against an ordered list of
// endpoints: it reads events from the muxer, writes them to the active
// stream and reconnects, possibly to a secondary endpoint, when the stream
// fails. Events stay in the muxer until the stream acknowledges them.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/metrics"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultRetryInterval = 15 * time.Second
	DefaultReadTimeout   = time.Second
	// stopTimeout bounds the final flush of a stream being closed.
	stopTimeout = 5 * time.Second
	// maxInboundPerIdle caps the inbound events drained on one idle tick.
	maxInboundPerIdle = 100
)

// State is the lifecycle state of a Failover.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds the failover settings.
type Config struct {
	Name string
	// RetryInterval is the wait between failed connection rounds, and the
	// period at which the primary is retried while a secondary is active.
	RetryInterval time.Duration
	// ReadTimeout bounds each muxer read; an idle tick flushes the stream.
	ReadTimeout time.Duration
	// BufferingTimeout delays the first connection attempt. Events published
	// meanwhile stay in the muxer.
	BufferingTimeout time.Duration
}

// Failover owns one muxer and one active stream at most.
type Failover struct {
	cfg     Config
	muxer   *multiplexing.Muxer
	targets []endpoint.Endpoint
	logger  zerolog.Logger

	tracker *multiplexing.Tracker

	mu          sync.Mutex
	state       State
	status      string
	active      string
	lastError   string
	attempts    uint64
	written     uint64
	acked       uint64
	skipped     uint64
	connectedAt time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	exitOnce sync.Once

	gaugeState     prometheus.Gauge
	gaugeConnected prometheus.Gauge
	ctrWritten     prometheus.Counter
	ctrSkipped     prometheus.Counter
}

// New creates a stopped-until-Start failover. targets are tried in order:
// the first is the primary, the others are secondaries.
func New(cfg Config, muxer *multiplexing.Muxer, targets []endpoint.Endpoint, logger zerolog.Logger) (*Failover, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: failover name cannot be empty", types.ErrConfig)
	}
	if muxer == nil {
		return nil, fmt.Errorf("%w: failover %s has no muxer", types.ErrConfig, cfg.Name)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: failover %s has no endpoint", types.ErrConfig, cfg.Name)
	}
	for _, t := range targets {
		if t.IsAcceptor() {
			return nil, fmt.Errorf("%w: failover %s cannot use acceptor endpoint %s", types.ErrConfig, cfg.Name, t.Name())
		}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	f := &Failover{
		cfg:            cfg,
		muxer:          muxer,
		targets:        targets,
		tracker:        multiplexing.NewTracker(muxer),
		logger:         logger.With().Str("component", "Failover").Str("failover", cfg.Name).Logger(),
		status:         "not started",
		done:           make(chan struct{}),
		gaugeState:     metrics.FailoverState.WithLabelValues(cfg.Name),
		gaugeConnected: metrics.FailoverConnected.WithLabelValues(cfg.Name),
		ctrWritten:     metrics.FailoverEventsWrittenTotal.WithLabelValues(cfg.Name),
		ctrSkipped:     metrics.FailoverEventsSkippedTotal.WithLabelValues(cfg.Name),
	}
	f.gaugeState.Set(float64(StateNotStarted))
	return f, nil
}

// Name returns the failover name.
func (f *Failover) Name() string { return f.cfg.Name }

// Muxer returns the muxer the failover reads from.
func (f *Failover) Muxer() *multiplexing.Muxer { return f.muxer }

// Start launches the delivery loop. It has no effect unless the failover
// has never been started.
func (f *Failover) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateNotStarted {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.state = StateRunning
	f.gaugeState.Set(float64(StateRunning))
	go f.run(ctx)
	f.logger.Info().Int("endpoints", len(f.targets)).Msg("Failover started.")
}

// Exit stops the loop and waits for it. Blocked reads and retry waits
// return at once. Exit is idempotent and safe from any goroutine.
func (f *Failover) Exit() {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		started := f.state == StateRunning
		f.state = StateStopped
		cancel := f.cancel
		f.mu.Unlock()

		if started {
			cancel()
			f.muxer.Wake()
			<-f.done
		} else {
			close(f.done)
		}
		f.setStatus("stopped")
		f.gaugeState.Set(float64(StateStopped))
		f.gaugeConnected.Set(0)
		f.logger.Info().Msg("Failover stopped.")
	})
}

// Done is closed once the failover has stopped.
func (f *Failover) Done() <-chan struct{} { return f.done }

// State returns the lifecycle state.
func (f *Failover) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// WaitForAllEventsWritten blocks until every event of the muxer has been
// written and acknowledged, or ctx is done. It reports whether the muxer
// drained.
func (f *Failover) WaitForAllEventsWritten(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f.muxer.Empty() {
			return true
		}
		select {
		case <-ctx.Done():
			f.logger.Warn().Int("pending", f.muxer.Pending()).Int("unacknowledged", f.muxer.Unacknowledged()).Msg("Timed out waiting for events to be written.")
			return false
		case <-ticker.C:
		}
	}
}

func (f *Failover) run(ctx context.Context) {
	defer close(f.done)

	if f.cfg.BufferingTimeout > 0 {
		f.setStatus(fmt.Sprintf("buffering events for %s", f.cfg.BufferingTimeout))
		if !sleep(ctx, f.cfg.BufferingTimeout) {
			return
		}
	}

	for ctx.Err() == nil {
		stream, idx, err := f.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.setFailure(err, fmt.Sprintf("no endpoint available, retrying in %s", f.cfg.RetryInterval))
			sleep(ctx, f.cfg.RetryInterval)
			continue
		}

		for stream != nil {
			next, nextIdx, err := f.forward(ctx, stream, idx)
			f.closeStream(stream)
			stream, idx = next, nextIdx
			if err != nil && ctx.Err() == nil {
				f.setFailure(err, fmt.Sprintf("stream error, reconnecting in %s", f.cfg.RetryInterval))
				sleep(ctx, f.cfg.RetryInterval)
			}
		}
		f.mu.Lock()
		f.active = ""
		f.mu.Unlock()
		f.gaugeConnected.Set(0)
	}
}

// connect opens the first target that accepts, in order.
func (f *Failover) connect(ctx context.Context) (endpoint.Stream, int, error) {
	var errs []error
	for i := range f.targets {
		stream, err := f.open(ctx, i)
		if err == nil {
			return stream, i, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		errs = append(errs, err)
	}
	return nil, 0, errors.Join(errs...)
}

func (f *Failover) open(ctx context.Context, idx int) (endpoint.Stream, error) {
	target := f.targets[idx]
	f.setStatus(fmt.Sprintf("connecting to %s", target.Name()))
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()

	stream, err := target.Open(ctx)
	if err != nil {
		metrics.FailoverConnectAttemptsTotal.WithLabelValues(f.cfg.Name, "failure").Inc()
		f.logger.Warn().Err(err).Str("endpoint", target.Name()).Msg("Failed to open endpoint.")
		return nil, fmt.Errorf("opening %s: %w", target.Name(), err)
	}
	metrics.FailoverConnectAttemptsTotal.WithLabelValues(f.cfg.Name, "success").Inc()

	f.mu.Lock()
	f.active = target.Name()
	f.status = fmt.Sprintf("connected to %s", target.Name())
	f.connectedAt = time.Now()
	f.mu.Unlock()
	f.gaugeConnected.Set(1)
	f.logger.Info().Str("endpoint", target.Name()).Bool("secondary", idx > 0).Msg("Endpoint stream opened.")
	return stream, nil
}

// forward moves events from the muxer to stream until an error, ctx is
// done, or the primary comes back while a secondary is active; in that last
// case it returns the new primary stream.
func (f *Failover) forward(ctx context.Context, stream endpoint.Stream, idx int) (endpoint.Stream, int, error) {
	lastPrimaryTry := time.Now()
	for {
		if ctx.Err() != nil {
			return nil, 0, nil
		}
		ev, ok := f.muxer.Read(ctx, time.Now().Add(f.cfg.ReadTimeout))
		if !ok {
			if ctx.Err() != nil {
				return nil, 0, nil
			}
			if err := f.idle(ctx, stream); err != nil {
				return nil, 0, err
			}
			if idx > 0 && time.Since(lastPrimaryTry) >= f.cfg.RetryInterval {
				lastPrimaryTry = time.Now()
				if primary, err := f.open(ctx, 0); err == nil {
					f.logger.Info().Str("endpoint", f.targets[0].Name()).Msg("Primary endpoint is back, switching from secondary.")
					return primary, 0, nil
				}
				f.setStatus(fmt.Sprintf("connected to %s", f.targets[idx].Name()))
			}
			continue
		}

		acked, err := stream.Write(ctx, ev)
		if err != nil {
			if errors.Is(err, types.ErrMalformedEvent) {
				f.logger.Warn().Err(err).Str("event", ev.String()).Msg("Stream rejected malformed event, skipping.")
				f.tracker.Rejected()
				f.mu.Lock()
				f.skipped++
				f.mu.Unlock()
				f.ctrSkipped.Inc()
				f.acknowledge(0)
				continue
			}
			// The event stays unacknowledged and is rewound by closeStream.
			return nil, 0, fmt.Errorf("writing to %s: %w", f.targets[idx].Name(), err)
		}
		f.tracker.Written()
		f.mu.Lock()
		f.written++
		f.mu.Unlock()
		f.ctrWritten.Inc()
		f.acknowledge(acked)
	}
}

// idle flushes the stream and hands any inbound events to the bus.
func (f *Failover) idle(ctx context.Context, stream endpoint.Stream) error {
	acked, err := stream.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flushing: %w", err)
	}
	f.acknowledge(acked)

	for i := 0; i < maxInboundPerIdle; i++ {
		ev, ok, err := stream.Read(ctx, time.Now())
		if err != nil {
			if errors.Is(err, types.ErrMalformedEvent) {
				f.logger.Warn().Err(err).Msg("Skipping malformed inbound event.")
				continue
			}
			return fmt.Errorf("reading: %w", err)
		}
		if !ok {
			return nil
		}
		f.muxer.Write(ev)
	}
	return nil
}

// acknowledge applies n stream acknowledgements to the muxer.
func (f *Failover) acknowledge(n int) {
	acked, excess := f.tracker.Ack(n)
	if excess > 0 {
		f.logger.Warn().Int("extra", excess).Msg("Stream acknowledged more events than were written.")
	}
	if acked > 0 {
		f.mu.Lock()
		f.acked += uint64(acked)
		f.mu.Unlock()
	}
}

// closeStream stops stream, commits its final acknowledgements and rewinds
// the muxer so that unacknowledged events are sent again.
func (f *Failover) closeStream(stream endpoint.Stream) {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	acked, err := stream.Stop(stopCtx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Error stopping stream.")
	}
	f.acknowledge(acked)
	if n := f.tracker.Reset(); n > 0 {
		f.logger.Info().Int("events", n).Msg("Rewinding unacknowledged events.")
	}
}

func (f *Failover) setStatus(status string) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *Failover) setFailure(err error, status string) {
	f.mu.Lock()
	f.status = status
	f.lastError = err.Error()
	f.mu.Unlock()
	f.logger.Error().Err(err).Dur("retry_interval", f.cfg.RetryInterval).Msg("Failover delivery interrupted.")
}

// sleep waits for d or until ctx is done; it reports whether d elapsed.
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

// Stats is a JSON-able snapshot of a failover.
type Stats struct {
	Name           string             `json:"name"`
	State          string             `json:"state"`
	Status         string             `json:"status"`
	Endpoints      []string           `json:"endpoints"`
	ActiveEndpoint string             `json:"active_endpoint,omitempty"`
	ConnectedSince *time.Time         `json:"connected_since,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Attempts       uint64             `json:"connection_attempts"`
	Written        uint64             `json:"events_written"`
	Acknowledged   uint64             `json:"events_acknowledged"`
	Skipped        uint64             `json:"events_skipped"`
	Muxer          multiplexing.Stats `json:"muxer"`
}

// Stats returns a snapshot of the failover and its muxer.
func (f *Failover) Stats() Stats {
	f.mu.Lock()
	s := Stats{
		Name:           f.cfg.Name,
		State:          f.state.String(),
		Status:         f.status,
		ActiveEndpoint: f.active,
		LastError:      f.lastError,
		Attempts:       f.attempts,
		Written:        f.written,
		Acknowledged:   f.acked,
		Skipped:        f.skipped,
	}
	if f.active != "" {
		since := f.connectedAt
		s.ConnectedSince = &since
	}
	f.mu.Unlock()

	for _, t := range f.targets {
		s.Endpoints = append(s.Endpoints, t.Name())
	}
	s.Muxer = f.muxer.Stats()
	return s
}
