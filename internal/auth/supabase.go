// Package auth verifies the access tokens issued by the identity provider
// (Supabase Auth) and turns them into request Actors.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"scopesafe/internal/types"
)

// defaultLeeway absorbs clock skew between the identity provider and us.
const defaultLeeway = 30 * time.Second

// Claims is the subset of a Supabase access token the API reads. Subject is
// the user ID.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// SupabaseAuthenticator validates HS256 access tokens signed with the
// project's JWT secret.
type SupabaseAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSupabaseAuthenticator creates an authenticator. issuer is optional;
// audience defaults to "authenticated".
func NewSupabaseAuthenticator(secret types.SecretString, issuer, audience string, logger *slog.Logger) *SupabaseAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if audience == "" {
		audience = "authenticated"
	}
	return &SupabaseAuthenticator{
		secret:   []byte(secret.Unmask()),
		issuer:   strings.TrimSpace(issuer),
		audience: audience,
		leeway:   defaultLeeway,
		now:      time.Now,
		logger:   logger,
	}
}

// ResolveToken verifies token and returns the user it was issued to.
// Expired tokens yield ErrCodeAuthTokenExpired; every other rejection
// yields ErrCodeAuthTokenInvalid.
func (a *SupabaseAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(a.audience),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token expired", err)
		}
		types.LoggerFromContext(ctx, a.logger).DebugContext(ctx, "access token rejected", "error", err)
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token invalid", err)
	}

	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}

	return &types.Actor{
		ID:    claims.Subject,
		Email: strings.ToLower(strings.TrimSpace(claims.Email)),
		Type:  types.ActorTypeUser,
	}, nil
}
