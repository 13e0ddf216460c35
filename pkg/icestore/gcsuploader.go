package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DataUploader uploads a batch of archival records.
type DataUploader interface {
	UploadBatch(ctx context.Context, items []*ArchivalRecord) error
	Close() error
}

// GCSBatchUploaderConfig holds configuration specific to the GCS uploader.
type GCSBatchUploaderConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSBatchUploader groups records by batch key and uploads each group to its
// own compressed object.
type GCSBatchUploader struct {
	client GCSClient
	config GCSBatchUploaderConfig
	logger zerolog.Logger
}

func NewGCSBatchUploader(
	gcsClient GCSClient,
	config GCSBatchUploaderConfig,
	logger zerolog.Logger,
) (*GCSBatchUploader, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSBatchUploader{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSBatchUploader").Str("bucket", config.BucketName).Logger(),
	}, nil
}

// UploadBatch uploads every group in parallel. The batch succeeds only if
// every group was uploaded.
func (u *GCSBatchUploader) UploadBatch(ctx context.Context, items []*ArchivalRecord) error {
	grouped := make(map[string][]*ArchivalRecord)
	for _, item := range items {
		if item != nil && item.GetBatchKey() != "" {
			grouped[item.GetBatchKey()] = append(grouped[item.GetBatchKey()], item)
		}
	}
	if len(grouped) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for key, group := range grouped {
		g.Go(func() error {
			return u.uploadSingleGroup(gCtx, key, group)
		})
	}
	return g.Wait()
}

func (u *GCSBatchUploader) uploadSingleGroup(ctx context.Context, batchKey string, records []*ArchivalRecord) error {
	objectName := path.Join(u.config.ObjectPrefix, batchKey, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))
	gcsWriter := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		var err error
		for _, rec := range records {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				break
			}
		}
		if closeErr := gz.Close(); err == nil {
			err = closeErr
		}
		_ = pw.CloseWithError(err)
	}()

	bytesWritten, copyErr := io.Copy(gcsWriter, pr)
	_ = pr.Close()
	closeErr := gcsWriter.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Info().
		Str("object_name", objectName).
		Int("record_count", len(records)).
		Int64("bytes_written", bytesWritten).
		Msg("Uploaded archive object.")
	return nil
}

// Close is a no-op: uploads complete within UploadBatch.
func (u *GCSBatchUploader) Close() error {
	return nil
}
