package core

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scopesafe/internal/types"
)

const (
	defaultRateLimitMax    = 120
	defaultRateLimitWindow = time.Minute
)

// rateLimitExemptPaths are never counted. Stripe retries webhook deliveries
// with backoff, so a 429 there delays settlement past the reservation window.
var rateLimitExemptPaths = map[string]bool{
	"/health":             true,
	"/v1/webhooks/stripe": true,
}

// RateLimit counts requests per Actor, or per client IP for anonymous
// requests such as availability polling, and answers 429 past the limit.
// X-RateLimit-* headers are set on every counted response.
//
// A nil RateLimitStore disables the middleware. Store errors fail open.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimitStore == nil || rateLimitExemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := rateLimitKey(r)
		limit, window := s.rateLimitSettings()
		logger := types.LoggerFromContext(r.Context(), s.Logger)

		result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, window)
		if err != nil {
			logger.Error("rate limit store error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, limit, result)

		if !result.Allowed {
			logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			Error(w, r, types.NewAppError(types.ErrCodeRateLimit, "Rate limit exceeded. Please retry after the reset time.", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitSettings() (int, time.Duration) {
	limit, window := defaultRateLimitMax, defaultRateLimitWindow
	if s.Config != nil {
		if s.Config.Redis.RateLimitMax > 0 {
			limit = s.Config.Redis.RateLimitMax
		}
		if s.Config.Redis.RateLimitWindow > 0 {
			window = s.Config.Redis.RateLimitWindow
		}
	}
	return limit, window
}

func rateLimitKey(r *http.Request) string {
	if actor, ok := types.GetActor(r.Context()); ok && actor.ID != "" {
		return "actor:" + actor.ID
	}
	return "ip:" + clientIP(r)
}

// clientIP prefers the first X-Forwarded-For hop set by API Gateway or the
// load balancer, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
