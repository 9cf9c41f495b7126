package models

import (
	"time"
)

// Error codes returned in ErrorResponse.Code.
const (
	ErrorCodeNotFound             = "NOT_FOUND"                  // 404
	ErrorCodeInvalidRequest       = "INVALID_REQUEST"            // 400 / 405
	ErrorCodeUnauthorized         = "UNAUTHORIZED"               // 401
	ErrorCodeInternalError        = "INTERNAL_ERROR"             // 500
	ErrorCodeUpstreamError        = "UPSTREAM_ERROR"             // 502, 504
	ErrorCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"        // 503: dependency not ready
	ErrorCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"        // 429
	ErrorCodeConcurrencyExhausted = "CONCURRENCY_LIMIT_EXCEEDED" // 503: no free slot
)

// ErrorResponse is the body of every non-2xx response. Admission refusals
// put the refusal reason and retry hints in Details.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"request_id,omitempty"`
}

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetail adds a key to Details and returns the response for chaining.
func (r *ErrorResponse) WithDetail(key, value string) *ErrorResponse {
	if r.Details == nil {
		r.Details = make(map[string]string)
	}
	r.Details[key] = value
	return r
}

// Health states, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusUnknown   = "unknown"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var statusSeverity = map[string]int{
	StatusHealthy:   0,
	StatusUnknown:   1,
	StatusDegraded:  2,
	StatusUnhealthy: 3,
}

// HealthCheckResponse is served by /health. Status is the worst status
// reported through Degrade; an unconfigured component does not lower it.
type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]any             `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func NewHealthCheckResponse() *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]any),
	}
}

// AddComponent records the health of one dependency. details may be nil.
func (h *HealthCheckResponse) AddComponent(name, status, message string, details map[string]any) {
	h.Components[name] = ComponentHealth{
		Status:  status,
		Message: message,
		Details: details,
	}
}

// Degrade lowers the overall status to status if it is worse than the
// current one.
func (h *HealthCheckResponse) Degrade(status string) {
	if statusSeverity[status] > statusSeverity[h.Status] {
		h.Status = status
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value any) {
	h.Metrics[name] = value
}
