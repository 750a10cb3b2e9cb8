// Package worker implements the connector worker: the goroutine that owns a
// broker client and its event loop, walks the topology state machine and
// then consumes into, or publishes from, the connector's pipe.
//
// Every method below that is not exported runs on the event loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scnerd/easyrabbit/broker"
	"github.com/scnerd/easyrabbit/internal/eventloop"
	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
)

var (
	// ErrConnectionLost is the termination reason when the broker closed
	// the connection without reporting why.
	ErrConnectionLost = errors.New("worker: connection lost")
	// ErrChannelLost is the termination reason when the broker closed the
	// channel while the worker was running.
	ErrChannelLost = errors.New("worker: channel closed by broker")
	// ErrShutdownTimeout is the termination reason when graceful shutdown
	// did not finish in time and the loop was stopped.
	ErrShutdownTimeout = errors.New("worker: shutdown timed out")
)

const defaultShutdownTimeout = 5 * time.Second

// Config is shared by both roles.
type Config struct {
	URL             string
	Exchange        broker.ExchangeDeclaration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// role is the Reader- or Writer-specific half of the state machine.
type role interface {
	// exchangeDeclared continues setup once the exchange exists.
	exchangeDeclared()
	// shutdown starts a graceful stop of an active role.
	shutdown()
}

// Worker drives one broker connection.
type Worker struct {
	id     string
	cfg    Config
	loop   *eventloop.Loop
	client broker.Client
	pipe   *pipe.Pipe
	gate   *readiness.Gate
	logger *slog.Logger
	role   role
	state  atomic.Int32

	// loop-only
	connected bool
	closing   bool
}

func newWorker(roleName string, cfg Config, dial broker.Dialer, p *pipe.Pipe, g *readiness.Gate) (*Worker, error) {
	if dial == nil {
		return nil, errors.New("worker: dialer is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loop := eventloop.New()
	client, err := dial(cfg.URL, loop)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()[:8]
	return &Worker{
		id:     id,
		cfg:    cfg,
		loop:   loop,
		client: client,
		pipe:   p,
		gate:   g,
		logger: logger.With("worker", id, "role", roleName, "exchange", cfg.Exchange.Name),
	}, nil
}

// ID identifies the worker in logs.
func (w *Worker) ID() string {
	return w.id
}

// State returns the current state. Safe from any goroutine.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Run connects, runs the event loop until the worker stops and returns the
// termination reason: nil after a graceful shutdown. Cancelling ctx is the
// interrupt that starts a graceful shutdown. The pipe is closed on return.
func (w *Worker) Run(ctx context.Context) error {
	w.loop.Post(w.connect)

	go func() {
		select {
		case <-ctx.Done():
			w.loop.Post(w.interrupt)
		case <-w.loop.Done():
		}
	}()

	err := w.loop.Run()

	w.setState(Closed)
	if closeErr := w.client.Close(); closeErr != nil {
		w.logger.Debug("closing connection after stop", "error", closeErr)
	}
	_ = w.pipe.Close()

	if err != nil {
		w.logger.Error("worker stopped", "error", err)
	} else {
		w.logger.Debug("worker stopped")
	}
	return err
}

func (w *Worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old != s {
		w.logger.Debug("state changed", "from", old, "to", s)
	}
}

// markReady is the only place readiness is raised.
func (w *Worker) markReady() {
	w.gate.Set()
	w.logger.Info("connector ready", "state", w.State())
}

func (w *Worker) connect() {
	if w.closing {
		return
	}
	w.setState(Disconnected)
	w.logger.Debug("creating connection")
	w.client.Open(w.onConnectionOpen, w.onConnectionClosed)
}

func (w *Worker) onConnectionOpen() {
	w.connected = true
	if w.closing {
		w.closeConnection()
		return
	}
	w.setState(ChannelOpening)
	w.client.OpenChannel(w.onChannelOpen)
}

func (w *Worker) onChannelOpen(err error) {
	if !w.proceed("open channel", err) {
		return
	}
	w.client.NotifyChannelClose(w.onChannelClosed)
	w.setState(ExchangeDeclaring)
	w.client.DeclareExchange(w.cfg.Exchange, w.onExchangeDeclared)
}

func (w *Worker) onExchangeDeclared(err error) {
	if !w.proceed("declare exchange", err) {
		return
	}
	w.role.exchangeDeclared()
}

// proceed reports whether setup may continue after a broker callback. A
// failed step stops the loop with err; an interrupted worker goes on closing.
func (w *Worker) proceed(step string, err error) bool {
	if w.closing {
		if err != nil {
			w.logger.Debug("ignoring setup failure while closing", "step", step, "error", err)
		}
		w.closeConnection()
		return false
	}
	if err != nil {
		w.finish(fmt.Errorf("%s: %w", step, err))
		return false
	}
	return true
}

func (w *Worker) onConnectionClosed(err error) {
	w.connected = false
	switch {
	case w.closing:
		w.finish(nil)
	case err != nil:
		w.finish(err)
	default:
		w.finish(ErrConnectionLost)
	}
}

func (w *Worker) onChannelClosed(err error) {
	if w.closing {
		w.logger.Debug("channel closed while closing", "error", err)
		return
	}
	if err == nil {
		w.finish(ErrChannelLost)
		return
	}
	w.finish(fmt.Errorf("%w: %w", ErrChannelLost, err))
}

// interrupt starts a graceful shutdown. A second interrupt is a no-op.
func (w *Worker) interrupt() {
	if w.closing {
		w.logger.Debug("worker already closing")
		return
	}
	w.logger.Debug("received interrupt")

	active := w.State().active()
	w.beginClosing()
	if active {
		w.role.shutdown()
		return
	}
	w.closeConnection()
}

func (w *Worker) beginClosing() {
	w.closing = true
	w.setState(Closing)
	w.loop.AfterFunc(w.cfg.ShutdownTimeout, func() {
		w.logger.Warn("graceful shutdown timed out", "timeout", w.cfg.ShutdownTimeout)
		w.finish(ErrShutdownTimeout)
	})
}

// closeConnection closes channel and connection. Completion arrives through
// onConnectionClosed, unless the connection never opened.
func (w *Worker) closeConnection() {
	if !w.connected {
		_ = w.client.Close()
		w.finish(nil)
		return
	}
	if err := w.client.CloseChannel(); err != nil {
		w.logger.Debug("closing channel", "error", err)
	}
	if err := w.client.Close(); err != nil {
		w.logger.Warn("closing connection", "error", err)
		w.finish(nil)
	}
}

func (w *Worker) finish(err error) {
	w.setState(Closed)
	w.loop.Stop(err)
}

const previewLen = 32

// preview renders a payload for logs, truncated to previewLen bytes.
func preview(b []byte) string {
	if len(b) > previewLen {
		return fmt.Sprintf("%q...(%d bytes)", b[:previewLen], len(b))
	}
	return fmt.Sprintf("%q(%d bytes)", b, len(b))
}
