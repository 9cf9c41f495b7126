package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gatekeeper/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReaper_Defaults(t *testing.T) {
	l := newTestLimiter(t, 10, 10)
	r := NewReaper(l, 0, -1)
	assert.Equal(t, DefaultReapInterval, r.interval)
	assert.Equal(t, DefaultRequestTimeout, r.timeout)
}

func TestReaper_SweepReapsOnce(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 10, 10, WithClock(clock.Now), WithLogger(logger.Discard()))

	var reported []int
	r := NewReaper(l, time.Minute, 5*time.Minute,
		WithReaperLogger(logger.Discard()),
		OnReap(func(n int) { reported = append(reported, n) }),
	)

	require.True(t, l.Start("/a", "r1"))
	require.True(t, l.Start("/b", "r2"))
	clock.Advance(5*time.Minute + time.Second)
	require.True(t, l.Start("/a", "r3"))

	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, []int{2}, reported)

	stats := l.Stats()
	assert.Equal(t, 1, stats.GlobalActive)
	assert.Equal(t, 1, stats.PerEndpoint["/a"].Active)
}

func TestReaper_SweepRecoversFromPanic(t *testing.T) {
	l := newTestLimiter(t, 10, 10)
	r := NewReaper(l, time.Minute, time.Minute,
		WithReaperLogger(logger.Discard()),
		OnReap(func(int) { panic("callback failed") }),
	)
	// Make sure there is something to reap so the callback fires
	l.now = func() time.Time { return time.Now().Add(-time.Hour) }
	require.True(t, l.Start("/a", "r1"))
	l.now = time.Now

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, r.Sweep())
	})
	assert.Equal(t, 0, l.Active("/a"))
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, 10, 10, WithClock(clock.Now), WithLogger(logger.Discard()))

	var total atomic.Int64
	r := NewReaper(l, 10*time.Millisecond, time.Minute,
		WithReaperLogger(logger.Discard()),
		OnReap(func(n int) { total.Add(int64(n)) }),
	)

	require.True(t, l.Start("/a", "r1"))
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return total.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
