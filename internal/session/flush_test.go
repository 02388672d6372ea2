package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlushGate_DrainedWhenNothingDispatched(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	assert.True(t, g.AwaitDrained(context.Background(), "t1"))
}

func TestFlushGate_UntrackedTurnIsDrained(t *testing.T) {
	g := NewFlushGate()
	assert.True(t, g.AwaitDrained(context.Background(), "missing"))
}

func TestFlushGate_ConfirmedNotificationsDrain(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	g.NotifyDispatched("t1")
	g.NotifyDispatched("t1")
	g.NotifyConfirmed("t1")
	g.NotifyConfirmed("t1")
	assert.True(t, g.AwaitDrained(context.Background(), "t1"))
}

func TestFlushGate_WaitsForLateConfirmations(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	// Enough dispatches to push the fallback to its cap, so the late
	// confirmations win the race comfortably.
	const n = 50
	for i := 0; i < n; i++ {
		g.NotifyDispatched("t1")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		for i := 0; i < n; i++ {
			g.NotifyConfirmed("t1")
		}
	}()

	start := time.Now()
	assert.True(t, g.AwaitDrained(context.Background(), "t1"))
	assert.Less(t, time.Since(start), maxFlushWait)
}

func TestFlushGate_FallbackBoundsTheWait(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	g.NotifyDispatched("t1") // never confirmed

	start := time.Now()
	ok := g.AwaitDrained(context.Background(), "t1")
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestFlushGate_ContextCancelAborts(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	for i := 0; i < 50; i++ {
		g.NotifyDispatched("t1")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	assert.False(t, g.AwaitDrained(ctx, "t1"))
}

func TestFlushGate_TrackIsIdempotent(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	g.NotifyDispatched("t1")
	g.Track("t1") // must not reset the pending count
	assert.False(t, g.AwaitDrained(context.Background(), "t1"))
}

func TestFlushGate_ForgetDropsState(t *testing.T) {
	g := NewFlushGate()
	g.Track("t1")
	g.NotifyDispatched("t1")
	g.Forget("t1")
	assert.True(t, g.AwaitDrained(context.Background(), "t1"))
	g.NotifyConfirmed("t1") // no-op once forgotten
}

func TestFlushFallbackScaling(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, flushFallback(0))
	assert.Equal(t, 20*time.Millisecond, flushFallback(5))
	assert.Equal(t, maxFlushWait, flushFallback(1000))
}
