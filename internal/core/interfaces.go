package core

import (
	"context"
	"time"

	"scopesafe/internal/types"
)

// Authenticator resolves a bearer token to the calling Actor.
//
// Implementations return an *types.AppError with ErrCodeAuthTokenExpired for
// a well-formed but expired token and ErrCodeAuthTokenInvalid for anything
// else they reject.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RateLimitStore is the backing counter for request rate limiting.
type RateLimitStore interface {
	// IncrementAndCheck atomically counts one request against key and
	// reports whether it is within limit for the current window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}
