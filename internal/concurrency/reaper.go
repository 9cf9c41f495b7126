package concurrency

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultReapInterval   = 60 * time.Second
	DefaultRequestTimeout = 300 * time.Second
)

// Reaper periodically force-releases slots held longer than a timeout.
type Reaper struct {
	limiter  *Limiter
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	onReap   func(n int)
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the reaper's logger.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// OnReap registers a callback invoked after each sweep that reaped something.
func OnReap(fn func(n int)) ReaperOption {
	return func(r *Reaper) {
		r.onReap = fn
	}
}

// NewReaper creates a reaper for l. Non-positive durations fall back to the
// defaults (sweep every minute, reap after five minutes).
func NewReaper(l *Limiter, interval, timeout time.Duration, opts ...ReaperOption) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	r := &Reaper{
		limiter:  l,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Starting expired request reaper",
		"interval", r.interval.String(),
		"timeout", r.timeout.String(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Expired request reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs a single pass and returns the number of reaped requests. A panic
// during the pass is logged and swallowed so the loop keeps running.
func (r *Reaper) Sweep() (reaped int) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Expired request sweep failed", "error", p)
			reaped = 0
		}
	}()

	reaped = r.limiter.ReapExpired(r.timeout)
	if reaped > 0 {
		r.logger.Info("Cleaned up expired requests", "count", reaped)
		if r.onReap != nil {
			r.onReap(reaped)
		}
	}
	return reaped
}
