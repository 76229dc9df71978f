package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"scopesafe/internal/types"
)

// authPublicPaths bypass AuthMiddleware. The webhook authenticates by
// signature instead of bearer token.
var authPublicPaths = map[string]bool{
	"/health":                   true,
	"/metrics":                  true,
	"/v1/lifetime/availability": true,
	"/v1/billing/plans":         true,
	"/v1/webhooks/stripe":       true,
}

// AuthMiddleware resolves the bearer token to an Actor and stores it in the
// request context. Requests without a usable token receive 401 with
// auth_token_missing, auth_token_invalid or auth_token_expired.
//
// A nil Authenticator disables authentication.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithActor(r.Context(), *actor)
		logger := types.LoggerFromContext(ctx, s.Logger).With(slog.String("actor_id", actor.ID))
		ctx = types.WithLogger(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header value,
// matching the scheme case-insensitively (RFC 7235), or "".
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	logger := types.LoggerFromContext(r.Context(), s.Logger)

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			logger.Info("authentication failed: token expired", slog.String("path", r.URL.Path))
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			logger.Warn("authentication failed: token invalid", slog.String("path", r.URL.Path))
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	logger.Error("authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireActor rejects requests that reached the handler without an Actor.
// Routes mounted behind it can rely on types.GetActor succeeding.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := types.GetActor(r.Context()); !ok || actor.ID == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
