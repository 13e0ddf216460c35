package bqstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DataBatchInserter inserts batches of rows into a data store. It abstracts
// the destination so the sink can be tested without BigQuery.
type DataBatchInserter[T any] interface {
	// InsertBatch inserts a slice of items into the data store.
	InsertBatch(ctx context.Context, items []*T) error
	// Close handles any necessary cleanup of the inserter's resources.
	Close() error
}

// BigQueryDatasetConfig names the destination table.
type BigQueryDatasetConfig struct {
	DatasetID string
	TableID   string
}

// NewProductionBigQueryClient creates a BigQuery client. It uses Application
// Default Credentials unless a credentials file is provided.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// BigQueryInserter implements DataBatchInserter for one BigQuery table.
// The table is checked on the first insert and created from the schema
// inferred from T when missing; a failed check is retried on the next insert.
type BigQueryInserter[T any] struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	cfg      BigQueryDatasetConfig
	logger   zerolog.Logger

	mu     sync.Mutex
	exists bool
}

func NewBigQueryInserter[T any](client *bigquery.Client, cfg BigQueryDatasetConfig, logger zerolog.Logger) (*BigQueryInserter[T], error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("bigquery dataset and table are required")
	}
	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	return &BigQueryInserter[T]{
		table:    tableRef,
		inserter: tableRef.Inserter(),
		cfg:      cfg,
		logger: logger.With().
			Str("component", "BigQueryInserter").
			Str("project_id", client.Project()).
			Str("dataset_id", cfg.DatasetID).
			Str("table_id", cfg.TableID).
			Logger(),
	}, nil
}

func (i *BigQueryInserter[T]) ensureTable(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exists {
		return nil
	}

	_, err := i.table.Metadata(ctx)
	var apiErr *googleapi.Error
	switch {
	case err == nil:
		i.logger.Info().Msg("Successfully connected to existing BigQuery table.")
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound:
		i.logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		var zero T
		schema, inferErr := bigquery.InferSchema(zero)
		if inferErr != nil {
			return fmt.Errorf("failed to infer schema for type %T: %w", zero, inferErr)
		}
		if createErr := i.table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return fmt.Errorf("failed to create BigQuery table %s.%s: %w", i.cfg.DatasetID, i.cfg.TableID, createErr)
		}
		i.logger.Info().Int("field_count", len(schema)).Msg("BigQuery table created successfully.")
	default:
		return fmt.Errorf("failed to get BigQuery table metadata: %w", err)
	}
	i.exists = true
	return nil
}

// InsertBatch streams a batch of rows to the table. Row-level errors are
// logged one by one.
func (i *BigQueryInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}
	if err := i.ensureTable(ctx); err != nil {
		return err
	}

	if err := i.inserter.Put(ctx, items); err != nil {
		i.logger.Error().Err(err).Int("batch_size", len(items)).Msg("Failed to insert rows into BigQuery.")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	i.logger.Debug().Int("batch_size", len(items)).Msg("Successfully inserted batch into BigQuery.")
	return nil
}

// Close is a no-op; the client's lifecycle is managed by whoever created it.
func (i *BigQueryInserter[T]) Close() error {
	return nil
}
