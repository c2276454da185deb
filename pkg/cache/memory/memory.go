// Package memory implements an in-process cache.Cache.
//
// Intended for single-replica deployments and tests. Entries are evicted
// lazily on access and swept periodically by a janitor goroutine, so an idle
// cache does not grow without bound.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/halcyon-health/halcyon/pkg/cache"
)

const defaultSweepInterval = time.Minute

// Ensure Cache implements the cache.Cache interface at compile time.
var _ cache.Cache = (*Cache)(nil)

// Option is a functional option for Cache.
type Option func(*Cache)

// WithSweepInterval sets how often the janitor removes expired entries.
// Default one minute. A non-positive value disables the janitor entirely;
// expired entries are then removed only when accessed.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.sweepInterval = d
	}
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Cache is an in-process TTL cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// New creates a Cache and starts its janitor goroutine (unless disabled).
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]entry),
		sweepInterval: defaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.sweepInterval > 0 {
		go c.janitor()
	}
	return c
}

// Get implements cache.Cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, cache.ErrMiss
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, cache.ErrMiss
	}
	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Len returns the number of entries currently held, including not-yet-swept
// expired ones. Used by tests and metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
