// Package icestore is the archival output of the broker: every event it is
// given is kept as an encoded frame in compressed JSON lines objects on
// Google Cloud Storage, grouped by day and category.
package icestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/enrichment"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Kind is the registry name of the archive endpoint.
const Kind = "gcs"

// Sink is a connector endpoint archiving events through a DataUploader.
type Sink struct {
	name     string
	batch    endpoint.BatchConfig
	uploader DataUploader
	enrich   enrichment.Enricher[*ArchivalRecord]
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSink creates the archive sink. hosts is optional and labels records
// with host names.
func NewSink(name string, batch endpoint.BatchConfig, uploader DataUploader, hosts cache.Fetcher[uint64, cache.HostInfo], logger zerolog.Logger) (*Sink, error) {
	if uploader == nil {
		return nil, fmt.Errorf("%w: archive sink %s needs an uploader", types.ErrConfig, name)
	}
	if batch.FlushInterval <= 0 {
		batch.FlushInterval = time.Minute
	}
	s := &Sink{
		name:     name,
		batch:    batch,
		uploader: uploader,
		now:      time.Now,
		logger:   logger.With().Str("component", "ArchiveSink").Str("endpoint", name).Logger(),
	}
	if hosts != nil {
		enrich, err := enrichment.NewEnricherFunc(hosts.Fetch, enrichment.HostKey,
			func(r *ArchivalRecord, info cache.HostInfo) { r.HostName = info.Name }, s.logger)
		if err != nil {
			return nil, err
		}
		s.enrich = enrich
	}
	return s, nil
}

func (s *Sink) Name() string     { return s.name }
func (s *Sink) IsAcceptor() bool { return false }

func (s *Sink) Open(context.Context) (endpoint.Stream, error) {
	return endpoint.NewBatchStream[ArchivalRecord](s.batch, s.convert, s.uploader.UploadBatch, s.logger), nil
}

func (s *Sink) convert(ctx context.Context, ev *types.Event) (*ArchivalRecord, bool, error) {
	rec, err := NewArchivalRecord(ev, s.now())
	if err != nil {
		return nil, false, err
	}
	if s.enrich != nil {
		s.enrich(ctx, ev, rec)
	}
	return rec, false, nil
}

// Register adds the gcs endpoint kind to r. Parameters: "bucket" (required),
// "prefix", "batch_size", "flush_interval", "upload_timeout". hosts may be
// nil.
func Register(r *endpoint.Registry, client *storage.Client, hosts cache.Fetcher[uint64, cache.HostInfo]) error {
	return r.Register(Kind, func(_ context.Context, cfg endpoint.Config, logger zerolog.Logger) (endpoint.Endpoint, error) {
		bucket, err := cfg.RequiredParam("bucket")
		if err != nil {
			return nil, err
		}
		batch := endpoint.DefaultBatchConfig()
		batch.FlushInterval = time.Minute
		if batch.BatchSize, err = cfg.IntParam("batch_size", batch.BatchSize); err != nil {
			return nil, err
		}
		if batch.FlushInterval, err = cfg.DurationParam("flush_interval", batch.FlushInterval); err != nil {
			return nil, err
		}
		if batch.FlushTimeout, err = cfg.DurationParam("upload_timeout", batch.FlushTimeout); err != nil {
			return nil, err
		}
		uploader, err := NewGCSBatchUploader(NewGCSClientAdapter(client), GCSBatchUploaderConfig{
			BucketName:   bucket,
			ObjectPrefix: cfg.Param("prefix", ""),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConfig, err)
		}
		return NewSink(cfg.Name, batch, uploader, hosts, logger)
	})
}
