package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"gatekeeper/internal/logger"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordDelays makes e skip its sleeps and returns the delays it would have used.
func recordDelays(e *Executor) *[]time.Duration {
	delays := &[]time.Duration{}
	inner := e.newBackoff
	e.newBackoff = func() retry.Backoff {
		b := inner()
		return retry.BackoffFunc(func() (time.Duration, bool) {
			d, stop := b.Next()
			if !stop {
				*delays = append(*delays, d)
			}
			return 0, stop
		})
	}
	return delays
}

func transientErr() error {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func TestExecutor_Defaults(t *testing.T) {
	e := NewExecutor(0, nil)
	assert.Equal(t, DefaultRetryBaseDelay, e.BaseDelay())
}

func TestExecutor_SucceedsFirstTry(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	delays := recordDelays(e)

	calls := 0
	err := e.Do(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	delays := recordDelays(e)

	calls := 0
	err := e.Do(context.Background(), 3, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *delays)
}

func TestExecutor_ExhaustsAfterMaxRetries(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	delays := recordDelays(e)

	calls := 0
	err := e.Do(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *delays)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, ConnectionFailure, exhausted.Kind)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
}

func TestExecutor_PermanentFailsImmediately(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	delays := recordDelays(e)
	permanent := &pgconn.PgError{Code: "23505", Message: "duplicate key"}

	calls := 0
	err := e.Do(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err)
	assert.Empty(t, *delays)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
}

func TestExecutor_PermanentAfterTransient(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	recordDelays(e)
	permanent := errors.New("syntax error")

	calls := 0
	err := e.Do(context.Background(), 5, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return transientErr()
		}
		return permanent
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, permanent)
}

func TestExecutor_NotReadyIsNotRetried(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	recordDelays(e)

	calls := 0
	err := e.Do(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return ErrPoolNotReady
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrPoolNotReady)
}

func TestExecutor_MaxRetriesBelowOne(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	recordDelays(e)

	calls := 0
	err := e.Do(context.Background(), 0, func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	assert.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.Attempts)
}

func TestExecutor_CancelDuringBackoff(t *testing.T) {
	e := NewExecutor(time.Hour, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, 3, func(ctx context.Context) error {
			calls++
			return transientErr()
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestExecutor_RealDelays(t *testing.T) {
	e := NewExecutor(10*time.Millisecond, logger.Discard())

	start := time.Now()
	err := e.Do(context.Background(), 3, func(ctx context.Context) error {
		return transientErr()
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	// 10ms after the first attempt, 20ms after the second
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestRetry_ReturnsValue(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	recordDelays(e)

	calls := 0
	got, err := Retry(context.Background(), e, 3, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &timeoutError{}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 2, calls)
}

func TestRetry_ZeroValueOnError(t *testing.T) {
	e := NewExecutor(DefaultRetryBaseDelay, logger.Discard())
	recordDelays(e)

	got, err := Retry(context.Background(), e, 2, func(ctx context.Context) (string, error) {
		return "partial", transientErr()
	})
	assert.Error(t, err)
	assert.Equal(t, "", got)
}

// timeoutError satisfies net.Error.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
