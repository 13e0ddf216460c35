package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Converter turns an event into a sink item. Events the sink does not store
// return skip; they are acknowledged together with the batch they arrived in.
// An error wrapping types.ErrMalformedEvent rejects the event.
type Converter[T any] func(ctx context.Context, ev *types.Event) (item *T, skip bool, err error)

// BatchFlusher writes one batch of items to the sink.
type BatchFlusher[T any] func(ctx context.Context, items []*T) error

// BatchConfig holds configuration for a BatchStream.
type BatchConfig struct {
	BatchSize     int
	FlushInterval time.Duration // How long a partial batch may wait for an idle Flush.
	FlushTimeout  time.Duration // The timeout for a single flush operation.
}

// DefaultBatchConfig provides a config with sensible defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		FlushTimeout:  30 * time.Second,
	}
}

// BatchStream is a write-only Stream for sinks that store events in batches.
// Events are acknowledged only once the batch holding them has been flushed,
// so a failed flush leaves them unacknowledged in the muxer.
type BatchStream[T any] struct {
	cfg     BatchConfig
	convert Converter[T]
	flush   BatchFlusher[T]
	logger  zerolog.Logger

	mu      sync.Mutex
	items   []*T
	pending int // events covered by the batch, stored or skipped
	oldest  time.Time
	closed  bool
}

// NewBatchStream creates a batching stream.
func NewBatchStream[T any](cfg BatchConfig, convert Converter[T], flush BatchFlusher[T], logger zerolog.Logger) *BatchStream[T] {
	def := DefaultBatchConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &BatchStream[T]{
		cfg:     cfg,
		convert: convert,
		flush:   flush,
		logger:  logger.With().Str("component", "BatchStream").Logger(),
		items:   make([]*T, 0, cfg.BatchSize),
	}
}

// Read blocks until deadline: sinks send nothing back.
func (s *BatchStream[T]) Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error) {
	if deadline.IsZero() {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-t.C:
		return nil, false, nil
	}
}

// Write adds ev to the current batch and flushes it once full.
func (s *BatchStream[T]) Write(ctx context.Context, ev *types.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	item, skip, err := s.convert(ctx, ev)
	if err != nil {
		return 0, err
	}
	if s.pending == 0 {
		s.oldest = time.Now()
	}
	s.pending++
	if !skip {
		s.items = append(s.items, item)
	}
	if len(s.items) >= s.cfg.BatchSize {
		return s.commit(ctx)
	}
	return 0, nil
}

// Flush writes the partial batch once it has waited FlushInterval.
func (s *BatchStream[T]) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 || time.Since(s.oldest) < s.cfg.FlushInterval {
		return 0, nil
	}
	return s.commit(ctx)
}

// Stop writes whatever is pending and closes the stream.
func (s *BatchStream[T]) Stop(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil
	}
	s.closed = true
	return s.commit(ctx)
}

// commit must be called with s.mu held. On failure the batch is discarded;
// its events were never acknowledged and are redelivered by the muxer.
func (s *BatchStream[T]) commit(ctx context.Context) (int, error) {
	if s.pending == 0 {
		return 0, nil
	}
	n, items := s.pending, s.items
	s.items = make([]*T, 0, s.cfg.BatchSize)
	s.pending = 0

	if len(items) > 0 {
		flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
		defer cancel()
		if err := s.flush(flushCtx, items); err != nil {
			s.logger.Error().Err(err).Int("batch_size", len(items)).Msg("Failed to flush batch, events stay unacknowledged.")
			return 0, fmt.Errorf("%w: batch flush failed: %v", types.ErrTransport, err)
		}
	}
	s.logger.Debug().Int("batch_size", len(items)).Int("acknowledged", n).Msg("Successfully flushed batch.")
	return n, nil
}
