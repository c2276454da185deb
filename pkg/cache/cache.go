// Package cache defines the Cache interface used for conversation context and
// degraded-mode excerpt storage.
//
// The cache is a plain byte store with per-key TTLs. Callers own serialisation;
// the conversation layer stores JSON-encoded contexts, the degraded-mode path
// stores ranked excerpts.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the abstraction over any TTL key-value backend.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored under key, or ErrMiss if the key is absent
	// or its TTL has elapsed. Any other error indicates a backend failure.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. A non-positive ttl means
	// the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
