package acceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const feederStopTimeout = 5 * time.Second

// Feeder serves one accepted peer. Inbound events go to the bus through the
// feeder's muxer; the events that muxer selects are written back to the
// peer. A stream error ends this feeder only.
type Feeder struct {
	name       string
	cfg        Config
	stream     endpoint.Stream
	muxer      *multiplexing.Muxer
	tracker    *multiplexing.Tracker
	ctrInbound prometheus.Counter
	logger     zerolog.Logger

	mu          sync.Mutex
	inbound     uint64
	rejected    uint64
	outbound    uint64
	skipped     uint64
	connectedAt time.Time
	lastError   string
}

func feederPrefix(acceptor string) string { return acceptor + "-feeder-" }

func newFeeder(cfg Config, stream endpoint.Stream, engine *multiplexing.Engine, ctrInbound prometheus.Counter, logger zerolog.Logger) (*Feeder, error) {
	name := feederPrefix(cfg.Name) + uuid.NewString()
	m, err := multiplexing.NewMuxer(name, engine, multiplexing.MuxerConfig{
		ReadFilter:   cfg.ReadFilter,
		WriteFilter:  cfg.WriteFilter,
		QueueMaxSize: cfg.QueueMaxSize,
		QueueDir:     cfg.QueueDir,
		QueueFile:    cfg.QueueFile,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Feeder{
		name:        name,
		cfg:         cfg,
		stream:      stream,
		muxer:       m,
		tracker:     multiplexing.NewTracker(m),
		ctrInbound:  ctrInbound,
		logger:      logger.With().Str("component", "Feeder").Str("feeder", name).Logger(),
		connectedAt: time.Now(),
	}, nil
}

// Name returns the feeder name, which is also the name of its muxer.
func (f *Feeder) Name() string { return f.name }

func (f *Feeder) run(ctx context.Context) {
	f.logger.Info().Msg("Feeder started.")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.receive(gctx) })
	if !f.cfg.ReadFilter.IsNone() {
		g.Go(func() error { return f.send(gctx) })
	}
	err := g.Wait()
	if err != nil {
		f.mu.Lock()
		f.lastError = err.Error()
		f.mu.Unlock()
		f.logger.Warn().Err(err).Msg("Feeder connection ended.")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), feederStopTimeout)
	defer cancel()
	acked, err := f.stream.Stop(stopCtx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Error stopping feeder stream.")
	}
	f.tracker.Ack(acked)
	if err := f.muxer.Close(); err != nil {
		f.logger.Error().Err(err).Msg("Failed to close feeder muxer.")
	}
	f.logger.Info().Msg("Feeder stopped.")
}

// receive moves peer events onto the bus.
func (f *Feeder) receive(ctx context.Context) error {
	for {
		ev, ok, err := f.stream.Read(ctx, time.Now().Add(f.cfg.ReadTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, types.ErrMalformedEvent) {
				f.logger.Warn().Err(err).Msg("Skipping malformed inbound event.")
				continue
			}
			return fmt.Errorf("reading from peer: %w", err)
		}
		if !ok {
			continue
		}
		accepted := f.muxer.Write(ev)
		f.mu.Lock()
		if accepted {
			f.inbound++
		} else {
			f.rejected++
		}
		f.mu.Unlock()
		if accepted {
			f.ctrInbound.Inc()
		}
	}
}

// send writes the events selected by the read filter to the peer.
func (f *Feeder) send(ctx context.Context) error {
	for {
		ev, ok := f.muxer.Read(ctx, time.Now().Add(f.cfg.ReadTimeout))
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			acked, err := f.stream.Flush(ctx)
			if err != nil {
				return fmt.Errorf("flushing to peer: %w", err)
			}
			f.tracker.Ack(acked)
			continue
		}
		acked, err := f.stream.Write(ctx, ev)
		if err != nil {
			if errors.Is(err, types.ErrMalformedEvent) {
				f.logger.Warn().Err(err).Str("event", ev.String()).Msg("Peer stream rejected malformed event, skipping.")
				f.tracker.Rejected()
				f.tracker.Ack(0)
				f.mu.Lock()
				f.skipped++
				f.mu.Unlock()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("writing to peer: %w", err)
		}
		f.tracker.Written()
		f.tracker.Ack(acked)
		f.mu.Lock()
		f.outbound++
		f.mu.Unlock()
	}
}

// FeederStats is a JSON-able snapshot of a feeder.
type FeederStats struct {
	Name        string             `json:"name"`
	ConnectedAt time.Time          `json:"connected_at"`
	Inbound     uint64             `json:"inbound_events"`
	Rejected    uint64             `json:"rejected_events"`
	Outbound    uint64             `json:"outbound_events"`
	Skipped     uint64             `json:"skipped_events"`
	LastError   string             `json:"last_error,omitempty"`
	Muxer       multiplexing.Stats `json:"muxer"`
}

// Stats returns a snapshot of the feeder.
func (f *Feeder) Stats() FeederStats {
	f.mu.Lock()
	s := FeederStats{
		Name:        f.name,
		ConnectedAt: f.connectedAt,
		Inbound:     f.inbound,
		Rejected:    f.rejected,
		Outbound:    f.outbound,
		Skipped:     f.skipped,
		LastError:   f.lastError,
	}
	f.mu.Unlock()
	s.Muxer = f.muxer.Stats()
	return s
}
