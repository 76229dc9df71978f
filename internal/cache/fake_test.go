package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// fakeStore emulates the commands and scripts this package sends to Redis.
type fakeStore struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     time.Time
	err     error
	evals   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values:  map[string]string{},
		expires: map[string]time.Time{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) expire(key string) {
	if exp, ok := f.expires[key]; ok && !f.now.Before(exp) {
		delete(f.values, key)
		delete(f.expires, key)
	}
}

func (f *fakeStore) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	f.expire(key)
	if _, held := f.values[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	f.expires[key] = f.now.Add(ttl)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	key := keys[0]
	f.expire(key)

	switch script {
	case unlockScript:
		if f.values[key] == fmt.Sprint(args[0]) {
			delete(f.values, key)
			delete(f.expires, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case incrScript:
		var n int64
		fmt.Sscan(f.values[key], &n)
		n++
		f.values[key] = fmt.Sprint(n)
		if _, ok := f.expires[key]; !ok {
			f.expires[key] = f.now.Add(time.Duration(args[0].(int64)) * time.Millisecond)
		}
		return redis.NewCmdResult([]interface{}{n, f.expires[key].Sub(f.now).Milliseconds()}, nil)
	}
	return redis.NewCmdResult(nil, errors.New("unknown script"))
}

func (f *fakeStore) Ping(context.Context) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
