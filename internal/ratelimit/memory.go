package ratelimit

import (
	"sync"
	"time"

	"gatekeeper/internal/models"
)

// EvictionHorizon is how far back timestamps are kept. Every check for an
// identifier drops that identifier's timestamps older than this, whatever the
// endpoint's own window is.
const EvictionHorizon = models.MaxRateWindow

// MemoryLimiter is an in-memory sliding window rate limiter. For every
// identifier it keeps, per endpoint, the timestamps of admitted requests oldest
// first.
//
// Identifiers that stop sending requests keep their (empty) entry for the life
// of the process unless idle eviction is enabled with WithIdleEviction.
type MemoryLimiter struct {
	table Table
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]map[string][]time.Time // identifier -> endpoint -> timestamps

	idleEviction time.Duration
	done         chan struct{}
	closed       bool
}

// Option configures a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLimiter) {
		m.now = now
	}
}

// WithIdleEviction starts a background goroutine that, every interval, drops
// identifiers with no timestamp inside the eviction horizon.
func WithIdleEviction(interval time.Duration) Option {
	return func(m *MemoryLimiter) {
		m.idleEviction = interval
	}
}

// NewMemoryLimiter creates a limiter enforcing table.
func NewMemoryLimiter(table Table, opts ...Option) *MemoryLimiter {
	m := &MemoryLimiter{
		table:   table,
		now:     time.Now,
		windows: make(map[string]map[string][]time.Time),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.idleEviction > 0 {
		go m.cleanup()
	}
	return m
}

// Check decides whether a request from identifier to endpoint is admitted.
func (m *MemoryLimiter) Check(identifier, endpoint string) (bool, Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictLocked(identifier, now)

	key := m.table.Key(endpoint)
	limit := m.table[key]
	windowStart := now.Add(-limit.Window)

	endpoints := m.windows[identifier]
	timestamps := endpoints[endpoint]

	// Timestamps are ordered, so the ones inside the window are a suffix.
	first := len(timestamps)
	for i, ts := range timestamps {
		if ts.After(windowStart) {
			first = i
			break
		}
	}
	count := len(timestamps) - first

	resetAt := now.Add(limit.Window)
	if count > 0 {
		resetAt = timestamps[first].Add(limit.Window)
	}

	info := Info{
		Limit:   limit.MaxRequests,
		ResetAt: resetAt,
		Key:     key,
	}

	if count >= limit.MaxRequests {
		info.Remaining = 0
		info.RetryAfter = resetAt.Sub(now)
		return false, info
	}

	if endpoints == nil {
		endpoints = make(map[string][]time.Time)
		m.windows[identifier] = endpoints
	}
	endpoints[endpoint] = append(timestamps, now)
	info.Remaining = limit.MaxRequests - count - 1
	return true, info
}

// Close stops the background cleanup goroutine.
func (m *MemoryLimiter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Identifiers returns how many identifiers currently hold state.
func (m *MemoryLimiter) Identifiers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// evictLocked drops the identifier's timestamps older than the eviction
// horizon. Endpoints left empty are removed; the identifier entry stays.
// Caller must hold m.mu.
func (m *MemoryLimiter) evictLocked(identifier string, now time.Time) {
	endpoints, ok := m.windows[identifier]
	if !ok {
		return
	}
	cutoff := now.Add(-EvictionHorizon)
	for endpoint, timestamps := range endpoints {
		keep := 0
		for keep < len(timestamps) && !timestamps[keep].After(cutoff) {
			keep++
		}
		switch {
		case keep == len(timestamps):
			delete(endpoints, endpoint)
		case keep > 0:
			endpoints[endpoint] = append([]time.Time(nil), timestamps[keep:]...)
		}
	}
}

// cleanup periodically evicts idle identifiers until Close is called.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(m.idleEviction)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

// evictIdle removes identifiers that have nothing left inside the horizon.
func (m *MemoryLimiter) evictIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for identifier := range m.windows {
		m.evictLocked(identifier, now)
		if len(m.windows[identifier]) == 0 {
			delete(m.windows, identifier)
			removed++
		}
	}
	return removed
}
