package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultRetryBaseDelay is the delay before the first retry.
const DefaultRetryBaseDelay = 500 * time.Millisecond

// Executor runs operations, retrying transient connection failures with a
// linearly growing delay: base, 2*base, 3*base, ...
type Executor struct {
	baseDelay  time.Duration
	logger     *slog.Logger
	newBackoff func() retry.Backoff
}

// NewExecutor returns an executor. A non-positive baseDelay selects
// DefaultRetryBaseDelay; a nil logger selects slog.Default().
func NewExecutor(baseDelay time.Duration, logger *slog.Logger) *Executor {
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{baseDelay: baseDelay, logger: logger}
	e.newBackoff = func() retry.Backoff { return linearBackoff(e.baseDelay) }
	return e
}

// BaseDelay returns the delay before the first retry.
func (e *Executor) BaseDelay() time.Duration {
	return e.baseDelay
}

func linearBackoff(base time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return base * time.Duration(n), false
	})
}

// Do calls op up to maxRetries times. Permanent errors are returned unchanged
// after the first attempt. When all attempts fail transiently the result is
// an *ExhaustedError wrapping the last failure. If ctx is cancelled while
// waiting between attempts, ctx.Err() is returned. maxRetries below 1 is
// treated as 1.
func (e *Executor) Do(ctx context.Context, maxRetries int, op func(ctx context.Context) error) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	backoff := retry.WithMaxRetries(uint64(maxRetries-1), e.newBackoff())
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		if !kind.Transient() {
			return err
		}

		if attempt >= maxRetries {
			e.logger.Error("Database operation failed, retries exhausted",
				"attempts", attempt,
				"kind", kind.String(),
				"error", err,
			)
			return &ExhaustedError{Attempts: attempt, Kind: kind, Err: err}
		}

		e.logger.Warn("Transient database failure, retrying",
			"attempt", attempt,
			"max_attempts", maxRetries,
			"kind", kind.String(),
			"error", err,
		)
		return retry.RetryableError(err)
	})
}

// Retry is Do for operations that produce a value.
func Retry[T any](ctx context.Context, e *Executor, maxRetries int, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, maxRetries, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
