package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBatcherStopped is returned by Add once Stop has been called.
var ErrBatcherStopped = errors.New("batcher is stopped")

// BatchFlusher writes one batch to its destination.
type BatchFlusher[T any] func(ctx context.Context, items []*T) error

// BatcherConfig holds the configuration for a Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// FlushTimeout bounds a single call to the flusher.
	FlushTimeout time.Duration
}

// Batcher collects items and hands them to a BatchFlusher when the batch is
// full, when the flush interval elapses, and once more on Stop. A failed flush
// is logged and its items are dropped.
type Batcher[T any] struct {
	cfg       BatcherConfig
	flusher   BatchFlusher[T]
	logger    zerolog.Logger
	inputChan chan *T
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewBatcher creates a new, generic Batcher.
func NewBatcher[T any](cfg BatcherConfig, flusher BatchFlusher[T], logger zerolog.Logger) (*Batcher[T], error) {
	if flusher == nil {
		return nil, fmt.Errorf("flusher cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	return &Batcher[T]{
		cfg:       cfg,
		flusher:   flusher,
		logger:    logger.With().Str("component", "Batcher").Logger(),
		inputChan: make(chan *T, cfg.BatchSize*2),
	}, nil
}

// Start launches the batching worker. ctx only scopes the flush calls; the
// worker itself runs until Stop.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.cfg.BatchSize).
		Dur("flush_interval", b.cfg.FlushInterval).
		Msg("Starting batcher worker...")
	b.wg.Add(1)
	go b.worker(context.WithoutCancel(ctx))
}

// Add queues an item, blocking while the buffer is full.
func (b *Batcher[T]) Add(ctx context.Context, item *T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBatcherStopped
	}
	select {
	case b.inputChan <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting items, flushes what is buffered and waits for the
// worker, respecting ctx.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.inputChan)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("Batcher worker stopped gracefully.")
		return nil
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for batcher worker to stop.")
		return ctx.Err()
	}
}

func (b *Batcher[T]) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]*T, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-b.inputChan:
			if !ok {
				b.flush(ctx, batch)
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.cfg.BatchSize {
				b.flush(ctx, batch)
				batch = make([]*T, 0, b.cfg.BatchSize)
				// Reset the ticker to prevent an immediate, unnecessary flush.
				ticker.Reset(b.cfg.FlushInterval)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]*T, 0, b.cfg.BatchSize)
			}
		}
	}
}

func (b *Batcher[T]) flush(ctx context.Context, batch []*T) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	defer cancel()

	if err := b.flusher(flushCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to flush batch, dropping items.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Successfully flushed batch.")
}
