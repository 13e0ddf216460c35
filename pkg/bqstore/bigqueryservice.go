// Package bqstore is the BigQuery output of the broker: metrics and check
// results are batched into rows and streamed to BigQuery tables.
package bqstore

import (
	"context"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/rs/zerolog"
)

// Kind is the registry name of the BigQuery endpoint.
const Kind = "bigquery"

// Register adds the bigquery endpoint kind to r. Parameters: "dataset"
// (required), "metrics_table", "status_table", "batch_size",
// "flush_interval", "insert_timeout". hosts may be nil.
func Register(r *endpoint.Registry, client *bigquery.Client, hosts cache.Fetcher[uint64, cache.HostInfo]) error {
	return r.Register(Kind, func(_ context.Context, cfg endpoint.Config, logger zerolog.Logger) (endpoint.Endpoint, error) {
		dataset, err := cfg.RequiredParam("dataset")
		if err != nil {
			return nil, err
		}
		batch := endpoint.DefaultBatchConfig()
		if batch.BatchSize, err = cfg.IntParam("batch_size", batch.BatchSize); err != nil {
			return nil, err
		}
		if batch.FlushInterval, err = cfg.DurationParam("flush_interval", batch.FlushInterval); err != nil {
			return nil, err
		}
		if batch.FlushTimeout, err = cfg.DurationParam("insert_timeout", batch.FlushTimeout); err != nil {
			return nil, err
		}

		metrics, err := NewBigQueryInserter[MetricRow](client, BigQueryDatasetConfig{
			DatasetID: dataset,
			TableID:   cfg.Param("metrics_table", "metrics"),
		}, logger)
		if err != nil {
			return nil, err
		}
		status, err := NewBigQueryInserter[StatusRow](client, BigQueryDatasetConfig{
			DatasetID: dataset,
			TableID:   cfg.Param("status_table", "statuses"),
		}, logger)
		if err != nil {
			return nil, err
		}
		return NewSink(cfg.Name, batch, metrics, status, hosts, logger)
	})
}
