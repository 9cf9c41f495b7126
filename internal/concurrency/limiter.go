// Package concurrency bounds the number of simultaneously active requests,
// globally and per endpoint.
//
// A request holds a slot from Start until Finish. Scope wraps that pair so the
// slot is released on every exit path, and Reaper force-releases slots held
// longer than a timeout. All state lives in process memory.
package concurrency

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gatekeeper/internal/models"
)

// Reason explains why a request was not admitted.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonGlobalLimit   Reason = "global_limit"
	ReasonEndpointLimit Reason = "endpoint_limit"
	ReasonDuplicate     Reason = "duplicate_request"
)

// Message is a human-readable form of the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonGlobalLimit:
		return "global concurrency limit reached"
	case ReasonEndpointLimit:
		return "endpoint concurrency limit reached"
	case ReasonDuplicate:
		return "request id already in flight"
	default:
		return ""
	}
}

// Stats is a point-in-time copy of the limiter counters.
type Stats struct {
	GlobalActive int                      `json:"global_active"`
	GlobalLimit  int                      `json:"global_limit"`
	DefaultLimit int                      `json:"default_limit"`
	PerEndpoint  map[string]EndpointStats `json:"per_endpoint"`
}

// EndpointStats reports one endpoint's active count and resolved limit.
type EndpointStats struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

// Limiter tracks in-flight requests. It is safe for use from many goroutines.
//
// The per-endpoint active count always equals the number of request ids
// tracked for that endpoint once a method returns.
type Limiter struct {
	mu sync.Mutex

	globalLimit  int
	defaultLimit int
	globalActive int
	active       map[string]int
	limits       map[string]int
	inflight     map[string]map[string]time.Time // endpoint -> request id -> start

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger used for reaping and limit changes.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithEndpointLimits installs per-endpoint overrides of the default limit.
// Non-positive entries are ignored.
func WithEndpointLimits(limits map[string]int) Option {
	return func(l *Limiter) {
		for endpoint, limit := range limits {
			if limit > 0 {
				l.limits[endpoint] = limit
			}
		}
	}
}

// NewLimiter creates a limiter admitting at most globalLimit requests overall
// and defaultLimit per endpoint without an override.
func NewLimiter(globalLimit, defaultLimit int, opts ...Option) (*Limiter, error) {
	if globalLimit <= 0 {
		return nil, fmt.Errorf("global limit must be positive, got %d", globalLimit)
	}
	if defaultLimit <= 0 {
		return nil, fmt.Errorf("default limit must be positive, got %d", defaultLimit)
	}

	l := &Limiter{
		globalLimit:  globalLimit,
		defaultLimit: defaultLimit,
		active:       make(map[string]int),
		limits:       make(map[string]int),
		inflight:     make(map[string]map[string]time.Time),
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CanAccept reports whether a request to endpoint would be admitted now.
// The answer may be stale by the time the caller acts on it; Start re-checks.
func (l *Limiter) CanAccept(endpoint string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canAcceptLocked(endpoint)
}

// canAcceptLocked checks the global limit first, then the endpoint limit.
// Caller must hold l.mu.
func (l *Limiter) canAcceptLocked(endpoint string) (bool, Reason) {
	if l.globalActive >= l.globalLimit {
		return false, ReasonGlobalLimit
	}
	if l.active[endpoint] >= l.limitLocked(endpoint) {
		return false, ReasonEndpointLimit
	}
	return true, ReasonNone
}

func (l *Limiter) limitLocked(endpoint string) int {
	if limit, ok := l.limits[endpoint]; ok {
		return limit
	}
	return l.defaultLimit
}

// Start admits a request and records its start time. It returns false without
// changing any state when a limit is reached or requestID is already in
// flight for endpoint.
func (l *Limiter) Start(endpoint, requestID string) bool {
	ok, _ := l.TryStart(endpoint, requestID)
	return ok
}

// TryStart is Start that also reports why a request was refused.
func (l *Limiter) TryStart(endpoint, requestID string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.inflight[endpoint][requestID]; dup {
		return false, ReasonDuplicate
	}
	if ok, reason := l.canAcceptLocked(endpoint); !ok {
		return false, reason
	}

	l.globalActive++
	l.active[endpoint]++
	requests, ok := l.inflight[endpoint]
	if !ok {
		requests = make(map[string]time.Time)
		l.inflight[endpoint] = requests
	}
	requests[requestID] = l.now()
	return true, ReasonNone
}

// Finish releases the slot held by (endpoint, requestID). Unknown pairs are
// ignored, so calling Finish twice is harmless.
func (l *Limiter) Finish(endpoint, requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishLocked(endpoint, requestID)
}

// finishLocked reports whether the pair was tracked. Caller must hold l.mu.
func (l *Limiter) finishLocked(endpoint, requestID string) bool {
	requests, ok := l.inflight[endpoint]
	if !ok {
		return false
	}
	if _, ok := requests[requestID]; !ok {
		return false
	}

	delete(requests, requestID)
	if len(requests) == 0 {
		delete(l.inflight, endpoint)
	}

	if l.globalActive > 0 {
		l.globalActive--
	}
	if l.active[endpoint] > 1 {
		l.active[endpoint]--
	} else {
		delete(l.active, endpoint)
	}
	return true
}

// SetLimit overrides the concurrency limit for endpoint. Requests already in
// flight are not affected; a lower limit only blocks new ones.
func (l *Limiter) SetLimit(endpoint string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("concurrency limit for %q must be positive, got %d", endpoint, limit)
	}
	l.mu.Lock()
	l.limits[endpoint] = limit
	l.mu.Unlock()

	l.logger.Info("Concurrency limit updated", "endpoint", endpoint, "limit", limit)
	return nil
}

// ReapExpired finishes every tracked request that started more than timeout
// ago and returns how many were reaped.
func (l *Limiter) ReapExpired(timeout time.Duration) int {
	type expired struct {
		endpoint  string
		requestID string
		age       time.Duration
	}

	l.mu.Lock()
	now := l.now()
	var reaped []expired
	for endpoint, requests := range l.inflight {
		for requestID, started := range requests {
			if age := now.Sub(started); age > timeout {
				reaped = append(reaped, expired{endpoint: endpoint, requestID: requestID, age: age})
			}
		}
	}
	for _, e := range reaped {
		l.finishLocked(e.endpoint, e.requestID)
	}
	l.mu.Unlock()

	for _, e := range reaped {
		l.logger.Warn("Reaped stale request",
			"endpoint", e.endpoint,
			"request_id", e.requestID,
			"age", e.age.String(),
		)
	}
	return len(reaped)
}

// Stats returns a snapshot of the counters. It does not modify the limiter.
// Endpoints appear when they have active requests or an explicit limit.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	per := make(map[string]EndpointStats, len(l.active)+len(l.limits))
	for endpoint, n := range l.active {
		per[endpoint] = EndpointStats{Active: n, Limit: l.limitLocked(endpoint)}
	}
	for endpoint, limit := range l.limits {
		if _, ok := per[endpoint]; !ok {
			per[endpoint] = EndpointStats{Active: 0, Limit: limit}
		}
	}

	return Stats{
		GlobalActive: l.globalActive,
		GlobalLimit:  l.globalLimit,
		DefaultLimit: l.defaultLimit,
		PerEndpoint:  per,
	}
}

// LimitKey names the limit that governs endpoint: endpoint itself when it has
// an explicit limit, models.DefaultEndpoint otherwise.
func (l *Limiter) LimitKey(endpoint string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.limits[endpoint]; ok {
		return endpoint
	}
	return models.DefaultEndpoint
}

// Active returns the number of requests currently in flight for endpoint.
func (l *Limiter) Active(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[endpoint]
}
