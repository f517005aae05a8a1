package orchestrator

import (
	"context"
	"sync"
)

// PauseGate is the pause control for one running worker. The worker checks
// it at iteration boundaries; Pause blocks the next Wait until Resume.
type PauseGate struct {
	mu     sync.Mutex
	resume chan struct{}
	paused bool
}

// NewPauseGate returns an open gate.
func NewPauseGate() *PauseGate {
	return &PauseGate{}
}

// Pause closes the gate. Idempotent.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

// Resume opens the gate and releases every waiter. Idempotent.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

// Paused reports whether the gate is currently closed.
func (g *PauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. Returns the context error if the
// context ends first.
func (g *PauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		resume := g.resume
		g.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
