// Package icestore is the cold archive: measurements are batched and written
// to Google Cloud Storage as gzip-compressed JSON lines, one object per hour
// group per flush.
package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// ObjectContentType is the content type of archive objects.
const ObjectContentType = "application/x-ndjson"

// GCSBatchUploaderConfig holds configuration specific to the GCS uploader.
type GCSBatchUploaderConfig struct {
	BucketName   string
	ObjectPrefix string
}

// HourKey is the object group for a measurement observed at t, e.g. "2025/06/15/09".
func HourKey(t time.Time) string {
	return t.UTC().Format("2006/01/02/15")
}

// GCSBatchUploader groups measurements by the hour they were observed and
// uploads each group to its own compressed object.
type GCSBatchUploader struct {
	client GCSClient
	config GCSBatchUploaderConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGCSBatchUploader creates a new uploader configured for Google Cloud Storage.
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

// UploadBatch groups items by hour and uploads the groups in parallel.
// Errors from individual groups are joined.
func (u *GCSBatchUploader) UploadBatch(ctx context.Context, items []*types.Measurement) error {
	groups := make(map[string][]*types.Measurement)
	for _, item := range items {
		if item == nil {
			continue
		}
		key := HourKey(item.ObservedAt)
		groups[key] = append(groups[key], item)
	}
	if len(groups) == 0 {
		return nil
	}

	var uploadWg sync.WaitGroup
	errs := make(chan error, len(groups))
	for key, group := range groups {
		uploadWg.Add(1)
		u.wg.Add(1)
		go func(groupKey string, records []*types.Measurement) {
			defer uploadWg.Done()
			defer u.wg.Done()
			if err := u.uploadSingleGroup(ctx, groupKey, records); err != nil {
				errs <- err
			}
		}(key, group)
	}
	uploadWg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// uploadSingleGroup handles writing one group of records to a GCS object.
func (u *GCSBatchUploader) uploadSingleGroup(ctx context.Context, groupKey string, records []*types.Measurement) error {
	objectName := path.Join(u.config.ObjectPrefix, groupKey, fmt.Sprintf("%s.jsonl.gz", uuid.NewString()))
	u.logger.Debug().Str("object_name", objectName).Int("record_count", len(records)).Msg("Starting upload for grouped batch.")

	gcsWriter := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx, ObjectContentType)
	pr, pw := io.Pipe()

	// Encode and compress into the pipe while the main goroutine streams it out.
	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, rec := range records {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		err = gz.Close()
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close() // This finalizes the GCS upload.

	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Info().
		Str("object_name", objectName).
		Int("record_count", len(records)).
		Int64("bytes_written", bytesWritten).
		Msg("Uploaded archive object to GCS.")
	return nil
}

// Close waits for any pending uploads to complete.
func (u *GCSBatchUploader) Close() error {
	u.wg.Wait()
	return nil
}
