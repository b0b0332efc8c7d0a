package eventcore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopFastQueueDrainedByPollEvents(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	var fired atomic.Bool
	l.FastQueue().Push(NewEvent(func() { fired.Store(true) }))

	require.NoError(t, l.PollEvents(0))
	assert.True(t, fired.Load())
}

func TestLoopDeferredQueueRequiresOptIn(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	var fired atomic.Bool
	l.DeferredQueue().Push(NewEvent(func() { fired.Store(true) }))

	require.NoError(t, l.PollEvents(0))
	assert.False(t, fired.Load(), "deferred events must not run until enabled")

	l.SetDeferredProcessing(true)
	require.NoError(t, l.PollEvents(0))
	assert.True(t, fired.Load())
}

func TestLoopPollEventsReentrancyPanics(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	l.FastQueue().Push(NewEvent(func() {
		assert.Panics(t, func() { _ = l.PollEvents(0) })
	}))
	require.NoError(t, l.PollEvents(0))
}

func TestLoopCloseIsIdempotent(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.True(t, l.Closed())
}

func TestLoopCrossGoroutinePushWakesBlockedPoll(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.PollEvents(-1)
	}()

	time.Sleep(20 * time.Millisecond)
	var fired atomic.Bool
	l.FastQueue().Push(NewEvent(func() { fired.Store(true) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PollEvents(-1) did not wake up after a cross-goroutine push")
	}
}

func TestLoopProcessEventsUntilIsolatesOtherQueues(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	focused := l.NewChildQueue()
	other := l.NewChildQueue()

	var otherFired, focusedFired atomic.Bool
	other.Push(NewEvent(func() { otherFired.Store(true) }))
	focused.Push(NewEvent(func() { focusedFired.Store(true) }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = l.ProcessEventsUntil(ctx, focused, func() bool { return focusedFired.Load() })
	require.NoError(t, err)

	assert.True(t, focusedFired.Load())
	assert.False(t, otherFired.Load(), "other producer's event must not be dispatched during focus poll")

	require.NoError(t, l.PollEvents(0))
}

func TestLoopProcessEventsUntilTimesOut(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	q := l.NewChildQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = l.ProcessEventsUntil(ctx, q, func() bool { return false })
	assert.Error(t, err)
}

func TestLoopTimerFiresOnce(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	var count atomic.Int32
	l.ScheduleOnce(10*time.Millisecond, func() { count.Add(1) })

	deadline := time.Now().Add(time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		require.NoError(t, l.PollEvents(10))
	}
	assert.Equal(t, int32(1), count.Load())

	// One more pass must not refire a one-shot timer.
	require.NoError(t, l.PollEvents(0))
	assert.Equal(t, int32(1), count.Load())
}

func TestLoopTimerCancel(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	defer l.Close()

	var fired atomic.Bool
	h := l.ScheduleOnce(10*time.Millisecond, func() { fired.Store(true) })
	h.Cancel()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, l.PollEvents(0))
	assert.False(t, fired.Load())
}
