package ratelimit

import (
	"encoding/json"
	"fmt"
	"gatekeeper/internal/models"
	"log/slog"
	"net/http"
)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	resolver  *Resolver
	onLimited func(r *http.Request, endpoint string)
}

// WithResolver sets how requests are mapped to identifiers. Without it every
// request is keyed on the address of its connection.
func WithResolver(res *Resolver) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.resolver = res
	}
}

// OnLimited registers a callback run for every rejected request. endpoint is
// the limit table entry that refused it: the request path when the table
// names it, "default" otherwise.
func OnLimited(fn func(r *http.Request, endpoint string)) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.onLimited = fn
	}
}

// Middleware returns HTTP middleware that enforces rate limits. The identifier
// comes from the configured Resolver and is stored in the request context for
// later middleware; the endpoint is the request path, matched exactly against
// the limit table.
func Middleware(limiter Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := cfg.resolver.Identify(r)
			endpoint := r.URL.Path

			allowed, info := limiter.Check(identifier, endpoint)

			// Always set rate limit headers
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetAt.Unix()))

			if !allowed {
				retryAfterSecs := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				errorResp := models.NewErrorResponse("Rate limit exceeded", models.ErrorCodeRateLimitExceeded).
					WithDetail("endpoint", endpoint).
					WithDetail("limit", fmt.Sprintf("%d", info.Limit)).
					WithDetail("reset_at", fmt.Sprintf("%d", info.ResetAt.Unix()))
				json.NewEncoder(w).Encode(errorResp)

				slog.Warn("Rate limit exceeded",
					"identifier", identifier,
					"endpoint", endpoint,
					"limit", info.Limit,
					"retry_after", retryAfterSecs,
				)
				if cfg.onLimited != nil {
					cfg.onLimited(r, info.Key)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentifier(r.Context(), identifier)))
		})
	}
}
