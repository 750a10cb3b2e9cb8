// Package eventloop provides the single-goroutine cooperative loop a
// connector worker runs on.
//
// Callbacks posted from any goroutine run one at a time, in post order, on
// the goroutine that called Run. A panicking callback stops the loop with
// the panic as its error.
package eventloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is a FIFO callback executor.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	err     error
	running bool

	wake chan struct{}
	done chan struct{}
}

// New creates a loop that is not yet running.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn. Posts after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted callbacks until Stop is called and returns the stop
// reason. It must be called at most once.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("eventloop: already running")
	}
	l.running = true
	l.mu.Unlock()

	for {
		fn, ok := l.next()
		if !ok {
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return l.Err()
			}
		}
		l.invoke(fn)
		if l.isStopped() {
			return l.Err()
		}
	}
}

// Stop ends the loop with err as its termination reason. Only the first
// call has an effect; queued callbacks that have not run are discarded.
func (l *Loop) Stop(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.err = err
	l.queue = nil
	close(l.done)
}

// Done is closed when the loop is stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the reason passed to Stop.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Stop(fmt.Errorf("eventloop: callback panicked: %v", r))
		}
	}()
	fn()
}

// Timer is a single-shot timer whose callback runs on the loop. It can be
// re-armed with Reset after it fired or was stopped.
type Timer struct {
	loop  *Loop
	fn    func()
	gen   atomic.Uint64
	timer *time.Timer
	mu    sync.Mutex
}

// AfterFunc arms a timer that posts fn to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.Reset(d)
	return t
}

// Reset re-arms the timer. A pending expiry from an earlier arming is
// discarded.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen := t.gen.Add(1)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.loop.Post(func() {
			if t.gen.Load() == gen {
				t.fn()
			}
		})
	})
}

// Stop disarms the timer. It reports whether a pending expiry was cancelled.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen.Add(1)
	if t.timer == nil {
		return false
	}
	return t.timer.Stop()
}
