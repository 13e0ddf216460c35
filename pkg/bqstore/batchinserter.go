package bqstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/enrichment"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Sink is a connector endpoint writing metrics and check results to two
// BigQuery tables. Other event types are acknowledged without being stored.
type Sink struct {
	name    string
	batch   endpoint.BatchConfig
	metrics DataBatchInserter[MetricRow]
	status  DataBatchInserter[StatusRow]
	enrich  enrichment.Enricher[*row]
	logger  zerolog.Logger
}

// NewSink creates the sink. hosts is optional and labels rows with host
// names.
func NewSink(
	name string,
	batch endpoint.BatchConfig,
	metrics DataBatchInserter[MetricRow],
	status DataBatchInserter[StatusRow],
	hosts cache.Fetcher[uint64, cache.HostInfo],
	logger zerolog.Logger,
) (*Sink, error) {
	if metrics == nil || status == nil {
		return nil, fmt.Errorf("%w: sink %s needs both inserters", types.ErrConfig, name)
	}
	s := &Sink{
		name:    name,
		batch:   batch,
		metrics: metrics,
		status:  status,
		logger:  logger.With().Str("component", "BigQuerySink").Str("endpoint", name).Logger(),
	}
	if hosts != nil {
		enrich, err := enrichment.NewEnricherFunc(hosts.Fetch, enrichment.HostKey,
			func(r *row, info cache.HostInfo) { r.labelHost(info.Name) }, s.logger)
		if err != nil {
			return nil, err
		}
		s.enrich = enrich
	}
	return s, nil
}

func (s *Sink) Name() string     { return s.name }
func (s *Sink) IsAcceptor() bool { return false }

// Open returns a fresh batching stream. Tables are checked on the first
// insert, so an unreachable BigQuery surfaces as a failed flush.
func (s *Sink) Open(context.Context) (endpoint.Stream, error) {
	return endpoint.NewBatchStream[row](s.batch, s.convert, s.insert, s.logger), nil
}

func (s *Sink) convert(ctx context.Context, ev *types.Event) (*row, bool, error) {
	r, ok := newRow(ev)
	if !ok {
		return nil, true, nil
	}
	if s.enrich != nil {
		s.enrich(ctx, ev, r)
	}
	return r, false, nil
}

func (s *Sink) insert(ctx context.Context, rows []*row) error {
	var metrics []*MetricRow
	var statuses []*StatusRow
	for _, r := range rows {
		if r.metric != nil {
			metrics = append(metrics, r.metric)
		}
		if r.status != nil {
			statuses = append(statuses, r.status)
		}
	}
	var errs []error
	if len(metrics) > 0 {
		if err := s.metrics.InsertBatch(ctx, metrics); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if len(statuses) > 0 {
		if err := s.status.InsertBatch(ctx, statuses); err != nil {
			errs = append(errs, fmt.Errorf("statuses: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases both inserters.
func (s *Sink) Close() error {
	return errors.Join(s.metrics.Close(), s.status.Close())
}
