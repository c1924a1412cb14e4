package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// ReadingRecorder is a dispatcher sink that keeps the latest value of every
// key in a Cache. A reading older than the stored one is ignored, since
// deliveries for the same key may finish out of order. Only deliveries for
// the same key are serialized.
type ReadingRecorder struct {
	store  Cache[string, types.LatestReading]
	locks  keyLocks
	logger zerolog.Logger
}

// keyLocks hands out one mutex per key, kept only while someone holds or
// waits for it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release function.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// NewReadingRecorder creates a ReadingRecorder backed by store.
func NewReadingRecorder(store Cache[string, types.LatestReading], logger zerolog.Logger) (*ReadingRecorder, error) {
	if store == nil {
		return nil, errors.New("readings store cannot be nil")
	}
	return &ReadingRecorder{
		store:  store,
		logger: logger.With().Str("component", "ReadingRecorder").Logger(),
	}, nil
}

func (r *ReadingRecorder) Name() string { return "readings" }

// Deliver records m as the latest reading for its key.
func (r *ReadingRecorder) Deliver(ctx context.Context, m types.Measurement) error {
	next := types.LatestReading{Key: m.Key, Value: m.Value, UpdatedAt: m.ObservedAt}

	unlock := r.locks.lock(m.Key)
	defer unlock()
	current, err := r.store.FetchFromCache(ctx, m.Key)
	switch {
	case err == nil:
		if current.UpdatedAt.After(next.UpdatedAt) {
			r.logger.Debug().Str("key", m.Key).Msg("Stale reading ignored.")
			return nil
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("failed to read current value of %s: %w", m.Key, err)
	}

	if err := r.store.WriteToCache(ctx, m.Key, next); err != nil {
		return fmt.Errorf("failed to record reading %s: %w", m.Key, err)
	}
	return nil
}

// Latest returns the most recent reading for key. An unknown key wraps ErrNotFound.
func (r *ReadingRecorder) Latest(ctx context.Context, key string) (types.LatestReading, error) {
	return r.store.FetchFromCache(ctx, key)
}

// Close closes the underlying store.
func (r *ReadingRecorder) Close() error {
	return r.store.Close()
}
