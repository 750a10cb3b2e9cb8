// Package readiness provides a set-once flag the worker raises when its
// broker topology is in place.
package readiness

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Wait when the gate was not set in time.
var ErrTimeout = errors.New("readiness: timed out")

// Gate starts unset and can be set exactly once. It is never reset.
type Gate struct {
	once  sync.Once
	ready chan struct{}
}

// New creates an unset gate.
func New() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Set raises the gate. Calls after the first are no-ops.
func (g *Gate) Set() {
	g.once.Do(func() {
		close(g.ready)
	})
}

// IsSet reports whether the gate has been raised.
func (g *Gate) IsSet() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}

// Ready returns a channel that is closed when the gate is raised.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// Wait blocks until the gate is raised, timeout elapses or ctx is done.
// A timeout <= 0 waits without bound.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) error {
	if g.IsSet() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-g.ready:
		return nil
	case <-expired:
		// a set racing the timer still counts
		if g.IsSet() {
			return nil
		}
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
