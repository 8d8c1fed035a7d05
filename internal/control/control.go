// Package control provides the pause/stop token shared by everything that
// writes to the peer during a run.
package control

import (
	"context"
	"sync"

	"github.com/chaz8081/byteflusher/internal/fault"
)

// Gate is a cooperative pause/stop token. Stop is sticky and always wins
// over pause. The zero value is not usable; call NewGate.
type Gate struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	changed chan struct{} // closed and replaced on every state change
}

// NewGate returns a running (not paused, not stopped) gate.
func NewGate() *Gate {
	return &Gate{changed: make(chan struct{})}
}

// Pause requests a pause. It reports whether the state changed.
func (g *Gate) Pause() bool {
	return g.set(func() bool {
		if g.paused || g.stopped {
			return false
		}
		g.paused = true
		return true
	})
}

// Resume clears a pause. It reports whether the state changed.
func (g *Gate) Resume() bool {
	return g.set(func() bool {
		if !g.paused {
			return false
		}
		g.paused = false
		return true
	})
}

// Stop requests cancellation. It reports whether the state changed.
func (g *Gate) Stop() bool {
	return g.set(func() bool {
		if g.stopped {
			return false
		}
		g.stopped = true
		g.paused = false
		return true
	})
}

func (g *Gate) set(apply func() bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !apply() {
		return false
	}
	close(g.changed)
	g.changed = make(chan struct{})
	return true
}

// Paused reports whether a pause is in effect.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Stopped reports whether a stop was requested.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Changed returns a channel that is closed on the next state change.
func (g *Gate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// Wait blocks while the gate is paused. It returns fault.ErrUserStopped once
// a stop was requested, ctx.Err() if ctx ends first, and nil otherwise.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		stopped, paused, changed := g.stopped, g.paused, g.changed
		g.mu.Unlock()

		if stopped {
			return fault.ErrUserStopped
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
