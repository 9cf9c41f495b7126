// Package ratelimit provides per-endpoint rate limiting using a sliding window
// of request timestamps keyed by (identifier, endpoint). Limits come from an
// exact-match endpoint table with a mandatory "default" entry. The package also
// includes HTTP middleware that sets standard rate limit response headers.
package ratelimit

import (
	"fmt"
	"time"
)

// DefaultEndpoint is the table key used when an endpoint has no entry of its own.
const DefaultEndpoint = "default"

// Limiter defines the rate limiting contract. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Check decides whether a request from identifier to endpoint is admitted.
	// An admitted request is recorded; a rejected one leaves no trace.
	Check(identifier, endpoint string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Maximum requests per window
	Remaining  int           // Requests left in the current window
	ResetAt    time.Time     // When the oldest counted request leaves the window
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
	Key        string        // Table entry that supplied the limit
}

// EndpointLimit is the budget for one endpoint.
type EndpointLimit struct {
	MaxRequests int
	Window      time.Duration
}

// Table maps endpoints to limits. Lookups are exact string matches.
type Table map[string]EndpointLimit

// NewTable copies entries into a Table and checks it holds a usable default.
// Windows are capped at EvictionHorizon.
func NewTable(entries map[string]EndpointLimit) (Table, error) {
	def, ok := entries[DefaultEndpoint]
	if !ok {
		return nil, fmt.Errorf("rate limit table has no %q entry", DefaultEndpoint)
	}
	t := make(Table, len(entries))
	for endpoint, limit := range entries {
		if limit.MaxRequests <= 0 || limit.Window <= 0 {
			return nil, fmt.Errorf("rate limit for %q must have positive max requests and window", endpoint)
		}
		if limit.Window > EvictionHorizon {
			return nil, fmt.Errorf("rate limit window for %q is %s, longer than the %s horizon", endpoint, limit.Window, EvictionHorizon)
		}
		t[endpoint] = limit
	}
	t[DefaultEndpoint] = def
	return t, nil
}

// Resolve returns the limit for endpoint, falling back to the default entry.
func (t Table) Resolve(endpoint string) EndpointLimit {
	return t[t.Key(endpoint)]
}

// Key returns the table entry that governs endpoint: endpoint itself when
// listed, DefaultEndpoint otherwise.
func (t Table) Key(endpoint string) string {
	if _, ok := t[endpoint]; ok {
		return endpoint
	}
	return DefaultEndpoint
}
