package icestore

import (
	"context"
	"errors"

	"github.com/illmade-knight/mqtt2coap/pkg/messagepipeline"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// ArchiveSink is a dispatcher sink that batches measurements into GCS objects.
type ArchiveSink struct {
	batcher  *messagepipeline.Batcher[types.Measurement]
	uploader *GCSBatchUploader
	logger   zerolog.Logger
}

// NewArchiveSink creates an ArchiveSink writing through uploader.
func NewArchiveSink(cfg messagepipeline.BatcherConfig, uploader *GCSBatchUploader, logger zerolog.Logger) (*ArchiveSink, error) {
	if uploader == nil {
		return nil, errors.New("uploader cannot be nil")
	}
	logger = logger.With().Str("component", "GCSArchiveSink").Logger()
	batcher, err := messagepipeline.NewBatcher[types.Measurement](cfg, uploader.UploadBatch, logger)
	if err != nil {
		return nil, err
	}
	return &ArchiveSink{batcher: batcher, uploader: uploader, logger: logger}, nil
}

// Start launches the batching worker.
func (s *ArchiveSink) Start(ctx context.Context) {
	s.batcher.Start(ctx)
}

func (s *ArchiveSink) Name() string { return "gcs" }

// Deliver queues m for the next archive object.
func (s *ArchiveSink) Deliver(ctx context.Context, m types.Measurement) error {
	row := m
	return s.batcher.Add(ctx, &row)
}

// Stop flushes the pending batch and waits for in-flight uploads.
func (s *ArchiveSink) Stop(ctx context.Context) error {
	err := s.batcher.Stop(ctx)
	_ = s.uploader.Close()
	return err
}
