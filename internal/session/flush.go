package session

import (
	"context"
	"sync"
	"time"
)

const maxFlushWait = 100 * time.Millisecond

// FlushGate tracks in-flight session/update notifications per turn so the
// turn response never overtakes them. A synchronous return from the
// connection's SessionUpdate counts as delivery confirmation.
type FlushGate struct {
	mu    sync.Mutex
	turns map[string]*flushTurn
}

type flushTurn struct {
	pending    int
	dispatched int
	drained    chan struct{} // closed while pending == 0
}

// NewFlushGate returns an empty gate.
func NewFlushGate() *FlushGate {
	return &FlushGate{turns: make(map[string]*flushTurn)}
}

// Track registers a turn. Untracked turns are ignored by the other methods.
func (g *FlushGate) Track(turnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.turns[turnID]; ok {
		return
	}
	drained := make(chan struct{})
	close(drained)
	g.turns[turnID] = &flushTurn{drained: drained}
}

// NotifyDispatched records one notification going out for the turn.
func (g *FlushGate) NotifyDispatched(turnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ft, ok := g.turns[turnID]
	if !ok {
		return
	}
	ft.pending++
	ft.dispatched++
	if ft.pending == 1 {
		ft.drained = make(chan struct{})
	}
}

// NotifyConfirmed records one notification confirmed delivered.
func (g *FlushGate) NotifyConfirmed(turnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ft, ok := g.turns[turnID]
	if !ok || ft.pending == 0 {
		return
	}
	ft.pending--
	if ft.pending == 0 {
		close(ft.drained)
	}
}

// AwaitDrained blocks until every dispatched notification for the turn is
// confirmed. When confirmations lag it falls back to a bounded wait scaled
// by how much the turn dispatched: 10ms plus 2ms per notification, capped at
// 100ms. Returns false if it gave up before the turn drained.
func (g *FlushGate) AwaitDrained(ctx context.Context, turnID string) bool {
	g.mu.Lock()
	ft, ok := g.turns[turnID]
	if !ok {
		g.mu.Unlock()
		return true
	}
	drained := ft.drained
	dispatched := ft.dispatched
	g.mu.Unlock()

	select {
	case <-drained:
		return true
	default:
	}

	timer := time.NewTimer(flushFallback(dispatched))
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Forget drops the turn's tracking state.
func (g *FlushGate) Forget(turnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.turns, turnID)
}

func flushFallback(dispatched int) time.Duration {
	wait := 10*time.Millisecond + 2*time.Millisecond*time.Duration(dispatched)
	if wait > maxFlushWait {
		wait = maxFlushWait
	}
	return wait
}
