// Package cache provides the latest-reading store: an in-memory LRU, Redis and
// Firestore backends behind one generic interface, plus the sink that feeds it.
package cache

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by FetchFromCache when the key has no value.
var ErrNotFound = errors.New("key not found in cache")

// Cache is a generic interface for a caching layer.
type Cache[K any, V any] interface {
	// FetchFromCache retrieves an item from the cache.
	FetchFromCache(ctx context.Context, key K) (V, error)
	// WriteToCache adds an item to the cache.
	WriteToCache(ctx context.Context, key K, value V) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
