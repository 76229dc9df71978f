package cache

import (
	"context"
	"fmt"
	"time"

	"scopesafe/internal/core"
)

const rateLimitPrefix = "ratelimit:"

// incrScript counts one hit in a fixed window and returns {count, pttl}.
// The expiry is set on the first hit and repaired if it was ever lost.
const incrScript = `
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}`

// RateLimitStore implements core.RateLimitStore with fixed-window counters.
type RateLimitStore struct {
	store Store
	now   func() time.Time
}

// NewRateLimitStore creates a RateLimitStore over store.
func NewRateLimitStore(store Store) *RateLimitStore {
	return &RateLimitStore{store: store, now: time.Now}
}

var _ core.RateLimitStore = (*RateLimitStore)(nil)

// IncrementAndCheck counts one request for key.
func (s *RateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	res, err := s.store.Eval(ctx, incrScript, []string{rateLimitPrefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit increment: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return core.RateLimitResult{}, fmt.Errorf("rate limit increment: unexpected reply %v", res)
	}
	count, ok1 := vals[0].(int64)
	pttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return core.RateLimitResult{}, fmt.Errorf("rate limit increment: unexpected reply %v", res)
	}

	return core.RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: max(limit-int(count), 0),
		ResetAt:   s.now().Add(time.Duration(pttl) * time.Millisecond),
	}, nil
}
