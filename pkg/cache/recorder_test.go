package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/mqtt2coap/pkg/cache"
	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore is a Cache whose reads fail with a backend error.
type failingStore struct {
	cache.Cache[string, types.LatestReading]
}

func (f failingStore) FetchFromCache(context.Context, string) (types.LatestReading, error) {
	return types.LatestReading{}, errors.New("backend unavailable")
}

func newRecorder(t *testing.T) *cache.ReadingRecorder {
	t.Helper()
	store, err := cache.NewInMemoryLRUCache[string, types.LatestReading](10)
	require.NoError(t, err)
	rec, err := cache.NewReadingRecorder(store, zerolog.Nop())
	require.NoError(t, err)
	return rec
}

func TestReadingRecorder_RecordsLatest(t *testing.T) {
	// Arrange
	ctx := context.Background()
	rec := newRecorder(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Act
	require.NoError(t, rec.Deliver(ctx, types.Measurement{Key: "sensor1/temperature", Value: 21.5, ObservedAt: t0}))
	require.NoError(t, rec.Deliver(ctx, types.Measurement{Key: "sensor1/temperature", Value: 22, ObservedAt: t0.Add(time.Minute)}))

	// Assert
	got, err := rec.Latest(ctx, "sensor1/temperature")
	require.NoError(t, err)
	assert.Equal(t, 22.0, got.Value)
	assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
	assert.Equal(t, "readings", rec.Name())
}

func TestReadingRecorder_IgnoresStaleReading(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, rec.Deliver(ctx, types.Measurement{Key: "k", Value: 2, ObservedAt: t0.Add(time.Second)}))
	require.NoError(t, rec.Deliver(ctx, types.Measurement{Key: "k", Value: 1, ObservedAt: t0}))

	got, err := rec.Latest(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Value)
}

func TestReadingRecorder_UnknownKey(t *testing.T) {
	rec := newRecorder(t)
	_, err := rec.Latest(context.Background(), "nope")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestReadingRecorder_BackendErrorIsReturned(t *testing.T) {
	rec, err := cache.NewReadingRecorder(failingStore{}, zerolog.Nop())
	require.NoError(t, err)

	err = rec.Deliver(context.Background(), types.Measurement{Key: "k", Value: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrNotFound)

	_, err = cache.NewReadingRecorder(nil, zerolog.Nop())
	require.Error(t, err)
}

// gatedStore blocks reads of one key until its gate is opened.
type gatedStore struct {
	cache.Cache[string, types.LatestReading]
	gatedKey string
	entered  chan struct{}
	gate     chan struct{}
}

func (g *gatedStore) FetchFromCache(ctx context.Context, key string) (types.LatestReading, error) {
	if key == g.gatedKey {
		g.entered <- struct{}{}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return types.LatestReading{}, ctx.Err()
		}
	}
	return g.Cache.FetchFromCache(ctx, key)
}

func TestReadingRecorder_SlowKeyDoesNotBlockOthers(t *testing.T) {
	// Arrange
	lru, err := cache.NewInMemoryLRUCache[string, types.LatestReading](10)
	require.NoError(t, err)
	store := &gatedStore{Cache: lru, gatedKey: "a/slow", entered: make(chan struct{}, 2), gate: make(chan struct{})}
	rec, err := cache.NewReadingRecorder(store, zerolog.Nop())
	require.NoError(t, err)
	now := time.Now()

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- rec.Deliver(context.Background(), types.Measurement{Key: "a/slow", Value: 1, ObservedAt: now})
	}()
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("slow delivery never reached the store")
	}

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = rec.Deliver(ctx, types.Measurement{Key: "b/fast", Value: 2, ObservedAt: now})

	// Assert
	require.NoError(t, err, "a different key must not wait for the blocked one")
	got, err := rec.Latest(context.Background(), "b/fast")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Value)

	select {
	case <-slowDone:
		t.Fatal("slow delivery finished before its read was released")
	default:
	}
	close(store.gate)
	require.NoError(t, <-slowDone)
}

func TestReadingRecorder_SameKeyIsSerialized(t *testing.T) {
	rec := newRecorder(t)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = rec.Deliver(context.Background(), types.Measurement{Key: "k", Value: float64(i), ObservedAt: t0.Add(time.Duration(i) * time.Second)})
		}(i)
	}
	wg.Wait()

	got, err := rec.Latest(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 49.0, got.Value, "the newest reading always wins")
}
