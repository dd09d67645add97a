// Package lifecycle controls the chat-platform session: authorization
// gates that hold pipelines until the session is usable, a generation
// counter that fences stale work across re-logins, and validation and
// import of the on-disk session file.
package lifecycle

import (
	"context"
	"sync"
)

// Gate is a level-triggered latch. Waiters block while the gate is
// closed and proceed while it is open; the gate can flip any number of
// times.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases current and future waiters.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return
	}

	g.open = true
	close(g.ch)
}

// Close blocks future waiters. Waiters already released stay released.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return
	}

	g.open = false
	g.ch = make(chan struct{})
}

// IsOpen reports the current level.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.open
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	open := g.open
	g.mu.Unlock()

	if open {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
