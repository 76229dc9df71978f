// Package cache holds the Redis-backed helpers of the API: the per-user
// checkout lock and the request rate limit counters.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"scopesafe/internal/types"
)

// Store is the subset of Redis commands used by this package.
// *redis.Client satisfies it.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

var _ Store = (*redis.Client)(nil)

// NewClient connects to the Redis instance at url (redis:// or rediss://)
// and verifies the connection.
func NewClient(ctx context.Context, url types.SecretString) (*redis.Client, error) {
	opts, err := redis.ParseURL(url.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

// Ping reports whether the store answers; it backs the /health probe.
func Ping(ctx context.Context, s Store) error {
	return s.Ping(ctx).Err()
}
