package easyrabbit

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
	"github.com/scnerd/easyrabbit/internal/worker"
)

// State is the worker's position in its setup and shutdown sequence.
type State = worker.State

const (
	StateDisconnected      = worker.Disconnected
	StateChannelOpening    = worker.ChannelOpening
	StateExchangeDeclaring = worker.ExchangeDeclaring
	StateQueueDeclaring    = worker.QueueDeclaring
	StateQueueBinding      = worker.QueueBinding
	StateConsuming         = worker.Consuming
	StateReady             = worker.Ready
	StatePublishing        = worker.Publishing
	StateClosing           = worker.Closing
	StateClosed            = worker.Closed
)

// connector is the controlling side of one worker. Reader and Writer embed
// it.
type connector struct {
	worker *worker.Worker
	pipe   *pipe.Pipe
	gate   *readiness.Gate
	logger *slog.Logger

	readyTimeout time.Duration
	// producer is set when the controller is the sending side of the pipe.
	producer bool

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func newConnector(w *worker.Worker, p *pipe.Pipe, g *readiness.Gate, o *options, producer bool) *connector {
	return &connector{
		worker:       w,
		pipe:         p,
		gate:         g,
		logger:       o.logger.With("worker", w.ID()),
		readyTimeout: o.readyTimeout,
		producer:     producer,
		done:         make(chan struct{}),
	}
}

// Start launches the worker. The connector is usable once WaitTillReady
// returns nil.
func (c *connector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	go func() {
		err := c.worker.Run(ctx)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	return nil
}

// WaitTillReady blocks until the worker finished topology setup. A timeout
// of zero or less uses the WithReadyTimeout default, and waits indefinitely
// when that is zero too. It returns ErrTimeout when the timeout elapses or
// the worker stopped before it was ready, for example because setup
// failed; Err then reports the failure.
func (c *connector) WaitTillReady(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	if timeout <= 0 {
		timeout = c.readyTimeout
	}
	if c.gate.IsSet() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.gate.Ready():
		return nil
	case <-expired:
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.gate.IsSet() {
		return nil
	}
	return ErrTimeout
}

// Ready reports whether topology setup finished.
func (c *connector) Ready() bool {
	return c.gate.IsSet()
}

// Close interrupts the worker and waits for it to exit. It is safe to call
// more than once and on a connector that never started. It returns an error
// only when graceful shutdown timed out.
func (c *connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		c.logger.Debug("connector already closed")
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if c.producer {
		_ = c.pipe.Close()
	}
	if !started {
		_ = c.pipe.Close()
		close(c.done)
		return nil
	}

	cancel()
	<-c.done

	if err := c.Err(); errors.Is(err, worker.ErrShutdownTimeout) {
		return err
	}
	return nil
}

// Err returns why the worker stopped: nil while it runs and after a
// graceful shutdown.
func (c *connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the worker has exited.
func (c *connector) Done() <-chan struct{} {
	return c.done
}

// State returns the worker's current state.
func (c *connector) State() State {
	return c.worker.State()
}

// closeOnCollect registers the garbage-collection safety net for a daemon
// connector. owner must be the value handed to the caller: the worker
// goroutine keeps the connector itself reachable.
func closeOnCollect[T any](owner *T, c *connector) {
	runtime.SetFinalizer(owner, func(*T) {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Warn("connector garbage collected without Close")
		go c.Close()
	})
}
