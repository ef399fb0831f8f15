package workflow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/runflow/types"
)

// PauseGate is a manual-reset event. It starts open; Close pauses every
// caller of Wait until Open wakes them all at once.
type PauseGate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

// NewPauseGate returns an open gate.
func NewPauseGate() *PauseGate {
	ch := make(chan struct{})
	close(ch)
	return &PauseGate{open: true, ch: ch}
}

// Close pauses the gate. Idempotent.
func (g *PauseGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Open releases every waiter. Idempotent.
func (g *PauseGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// IsOpen reports whether the gate is open.
func (g *PauseGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate opens, ctx ends or stop is closed.
func (g *PauseGate) Wait(ctx context.Context, stop <-chan struct{}) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrStopped is returned by waits interrupted by the stop flag.
var ErrStopped = types.NewError(types.ErrStopped, "execution stopped")

// StopFlag is a one-way shared stop signal.
type StopFlag struct {
	once sync.Once
	set  atomic.Bool
	ch   chan struct{}
}

// NewStopFlag creates an unset flag.
func NewStopFlag() *StopFlag {
	return &StopFlag{ch: make(chan struct{})}
}

// Set raises the flag. Idempotent.
func (f *StopFlag) Set() {
	f.once.Do(func() {
		f.set.Store(true)
		close(f.ch)
	})
}

// IsSet reports whether the flag is raised.
func (f *StopFlag) IsSet() bool { return f.set.Load() }

// Done is closed once the flag is raised.
func (f *StopFlag) Done() <-chan struct{} { return f.ch }
