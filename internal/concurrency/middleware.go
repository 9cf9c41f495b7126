package concurrency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gatekeeper/internal/models"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id on responses.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// ContextWithRequestID returns a copy of ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by the middleware, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	onReject func(r *http.Request, rejected *RejectedError)
	newID    func() string
}

// OnReject registers a callback run for every rejected request.
func OnReject(fn func(r *http.Request, rejected *RejectedError)) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.onReject = fn
	}
}

// WithRequestIDGenerator replaces uuid.NewString for request ids.
func WithRequestIDGenerator(fn func() string) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.newID = fn
	}
}

// Middleware admits each request through l for the duration of the wrapped
// handler. Every request gets a fresh id, exposed in the X-Request-ID response
// header and in the request context. Rejected requests receive 503.
func Middleware(l *Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{newID: uuid.NewString}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := cfg.newID()
			endpoint := r.URL.Path
			w.Header().Set(RequestIDHeader, requestID)

			scope, err := Open(l, endpoint, requestID)
			if err != nil {
				var rejected *RejectedError
				if !errors.As(err, &rejected) {
					rejected = &RejectedError{Endpoint: endpoint, RequestID: requestID, LimitKey: l.LimitKey(endpoint)}
				}
				writeRejected(w, rejected)

				slog.Warn("Concurrency limit exceeded",
					"endpoint", endpoint,
					"request_id", requestID,
					"reason", string(rejected.Reason),
				)
				if cfg.onReject != nil {
					cfg.onReject(r, rejected)
				}
				return
			}
			defer scope.Close()

			next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), requestID)))
		})
	}
}

func writeRejected(w http.ResponseWriter, rejected *RejectedError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusServiceUnavailable)

	resp := models.NewErrorResponse(
		fmt.Sprintf("Too many concurrent requests: %s", rejected.Reason.Message()),
		models.ErrorCodeConcurrencyExhausted,
	).WithDetail("endpoint", rejected.Endpoint).
		WithDetail("reason", string(rejected.Reason))
	resp.RequestID = rejected.RequestID
	json.NewEncoder(w).Encode(resp)
}
