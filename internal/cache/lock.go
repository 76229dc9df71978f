package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const lockPrefix = "lock:"

// unlockScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another request is left alone.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// CheckoutLock is a best-effort mutual exclusion keyed by string. The
// lifetime checkout uses it so a double click by one user cannot create two
// reservations.
type CheckoutLock struct {
	store  Store
	logger *slog.Logger
}

// NewCheckoutLock creates a CheckoutLock over store.
func NewCheckoutLock(store Store, logger *slog.Logger) *CheckoutLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutLock{store: store, logger: logger}
}

// TryLock acquires key for ttl without waiting. ok is false when someone
// else holds it. The returned unlock is safe to call once the caller's
// context has been cancelled.
func (l *CheckoutLock) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	fullKey := lockPrefix + key

	ok, err := l.store.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.store.Eval(uctx, unlockScript, []string{fullKey}, token).Err(); err != nil {
			// The key still expires after ttl.
			l.logger.Warn("failed to release lock", "key", fullKey, "error", err)
		}
	}
	return unlock, true, nil
}
