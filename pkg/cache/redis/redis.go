// Package redis implements the cache.Cache interface on top of a Redis server
// using go-redis.
//
// Redis is the production cache backend: conversation contexts survive process
// restarts and are shared across orchestrator replicas. TTLs map directly onto
// Redis key expiry.
//
// Example usage:
//
//	c, err := redis.New("localhost:6379", redis.WithPassword(pw))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/halcyon-health/halcyon/pkg/cache"
)

// Ensure Cache implements the cache.Cache interface at compile time.
var _ cache.Cache = (*Cache)(nil)

// config holds optional configuration collected from functional options.
type config struct {
	password string
	db       int
	prefix   string
}

// Option is a functional option for Cache.
type Option func(*config)

// WithPassword sets the AUTH password.
func WithPassword(password string) Option {
	return func(c *config) {
		c.password = password
	}
}

// WithDB selects the Redis logical database. Default 0.
func WithDB(db int) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithKeyPrefix namespaces every key under the given prefix. Useful when one
// Redis instance serves several environments.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// Cache implements cache.Cache against a Redis server. Safe for concurrent use.
type Cache struct {
	client *goredis.Client
	prefix string
}

// New connects to the Redis server at addr ("host:port") and verifies the
// connection with a PING.
func New(addr string, opts ...Option) (*Cache, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis cache: addr must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.password,
		DB:       cfg.db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis cache: ping: %w", err)
	}
	return &Cache{client: client, prefix: cfg.prefix}, nil
}

// NewFromClient wraps an existing go-redis client. The caller retains
// ownership of the client. Used by tests with miniredis.
func NewFromClient(client *goredis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get %q: %w", key, err)
	}
	return val, nil
}

// Set implements cache.Cache. A non-positive ttl stores the key without expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: set %q: %w", key, err)
	}
	return nil
}

// Delete implements cache.Cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis cache: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
