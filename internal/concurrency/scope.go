package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("concurrency limit reached")

// RejectedError is returned when a scope cannot be opened.
type RejectedError struct {
	Endpoint  string
	RequestID string
	Reason    Reason
	// LimitKey is Endpoint when it has its own limit, "default" otherwise.
	LimitKey string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("request %s to %s rejected: %s", e.RequestID, e.Endpoint, e.Reason.Message())
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Scope holds one concurrency slot. Close releases it exactly once.
//
//	scope, err := concurrency.Open(limiter, endpoint, requestID)
//	if err != nil {
//	    return err
//	}
//	defer scope.Close()
type Scope struct {
	limiter   *Limiter
	endpoint  string
	requestID string
	started   time.Time
	once      sync.Once
}

// Open acquires a slot for (endpoint, requestID). On rejection it returns a
// *RejectedError and the caller must not proceed.
func Open(l *Limiter, endpoint, requestID string) (*Scope, error) {
	ok, reason := l.TryStart(endpoint, requestID)
	if !ok {
		return nil, &RejectedError{
			Endpoint:  endpoint,
			RequestID: requestID,
			Reason:    reason,
			LimitKey:  l.LimitKey(endpoint),
		}
	}
	return &Scope{
		limiter:   l,
		endpoint:  endpoint,
		requestID: requestID,
		started:   time.Now(),
	}, nil
}

// Close releases the slot. Calls after the first do nothing.
func (s *Scope) Close() {
	s.once.Do(func() {
		s.limiter.Finish(s.endpoint, s.requestID)
	})
}

// Endpoint returns the endpoint the slot was taken for.
func (s *Scope) Endpoint() string { return s.endpoint }

// RequestID returns the request id the slot was taken for.
func (s *Scope) RequestID() string { return s.requestID }

// Elapsed returns how long the scope has been open.
func (s *Scope) Elapsed() time.Duration { return time.Since(s.started) }

// Run opens a scope, calls fn, and releases the slot when fn returns or panics.
func Run(ctx context.Context, l *Limiter, endpoint, requestID string, fn func(ctx context.Context) error) error {
	scope, err := Open(l, endpoint, requestID)
	if err != nil {
		return err
	}
	defer scope.Close()
	return fn(ctx)
}
