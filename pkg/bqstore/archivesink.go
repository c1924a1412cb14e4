package bqstore

import (
	"context"
	"errors"

	"github.com/illmade-knight/mqtt2coap/pkg/messagepipeline"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// ArchiveSink is a dispatcher sink that batches measurements into BigQuery.
// Deliver only queues the row; insert failures are logged by the batcher.
type ArchiveSink struct {
	batcher  *messagepipeline.Batcher[types.Measurement]
	inserter DataBatchInserter[types.Measurement]
	logger   zerolog.Logger
}

// NewArchiveSink creates an ArchiveSink writing through inserter.
func NewArchiveSink(
	cfg messagepipeline.BatcherConfig,
	inserter DataBatchInserter[types.Measurement],
	logger zerolog.Logger,
) (*ArchiveSink, error) {
	if inserter == nil {
		return nil, errors.New("inserter cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryArchiveSink").Logger()
	batcher, err := messagepipeline.NewBatcher[types.Measurement](cfg, inserter.InsertBatch, logger)
	if err != nil {
		return nil, err
	}
	return &ArchiveSink{batcher: batcher, inserter: inserter, logger: logger}, nil
}

// Start launches the batching worker.
func (s *ArchiveSink) Start(ctx context.Context) {
	s.batcher.Start(ctx)
}

func (s *ArchiveSink) Name() string { return "bigquery" }

// Deliver queues m for the next batch.
func (s *ArchiveSink) Deliver(ctx context.Context, m types.Measurement) error {
	row := m
	return s.batcher.Add(ctx, &row)
}

// Stop flushes the pending batch and closes the inserter.
func (s *ArchiveSink) Stop(ctx context.Context) error {
	err := s.batcher.Stop(ctx)
	if closeErr := s.inserter.Close(); closeErr != nil {
		s.logger.Error().Err(closeErr).Msg("Error closing underlying data inserter")
	}
	return err
}
