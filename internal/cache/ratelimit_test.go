package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitStore_FixedWindow(t *testing.T) {
	store := newFakeStore()
	rl := NewRateLimitStore(store)
	rl.now = func() time.Time { return store.now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := rl.IncrementAndCheck(ctx, "actor:u1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, store.now.Add(time.Minute), res.ResetAt)
	}

	res, err := rl.IncrementAndCheck(ctx, "actor:u1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)

	other, err := rl.IncrementAndCheck(ctx, "ip:203.0.113.9", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are counted separately")

	store.advance(time.Minute)
	res, err = rl.IncrementAndCheck(ctx, "actor:u1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new window starts after expiry")
	assert.Equal(t, 2, res.Remaining)
}

func TestRateLimitStore_Errors(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("timeout")
	_, err := NewRateLimitStore(store).IncrementAndCheck(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}

// badReplyStore returns a reply the script never produces.
type badReplyStore struct{ *fakeStore }

func (badReplyStore) Eval(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult("OK", nil)
}

func TestRateLimitStore_UnexpectedReply(t *testing.T) {
	_, err := NewRateLimitStore(badReplyStore{newFakeStore()}).IncrementAndCheck(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}
