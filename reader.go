package easyrabbit

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/scnerd/easyrabbit/broker"
	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
	"github.com/scnerd/easyrabbit/internal/worker"
)

// Reader consumes from a queue bound to an exchange and hands every message
// to the caller through blocking or non-blocking gets. Messages are
// acknowledged once they are buffered on the Reader.
//
// A Reader must be read from one goroutine at a time.
type Reader struct {
	*connector
}

// NewReader creates a Reader that declares exchange, declares queue (named
// by the broker when empty) and binds it with routingKey. It does not
// connect until Start.
func NewReader(url, exchange, queue, routingKey string, opts ...Option) (*Reader, error) {
	o := newOptions(opts)

	p, g := pipe.New(), readiness.New()
	w, err := worker.NewReader(workerConfig(url, exchange, o), worker.ReaderConfig{
		QueueName:   queue,
		RoutingKey:  routingKey,
		Exclusive:   o.exclusive,
		Durable:     o.durable,
		AutoDelete:  o.autoDelete,
		QueueArgs:   o.queueArgs,
		Prefetch:    o.prefetch,
		ConsumerTag: o.consumerTag,
	}, o.dial(), p, g)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	r := &Reader{connector: newConnector(w, p, g, o, false)}
	if o.daemon {
		closeOnCollect(r, r.connector)
	}
	return r, nil
}

// OpenReader creates and starts a Reader and waits until it is ready. On
// failure the Reader is closed.
func OpenReader(ctx context.Context, url, exchange, queue, routingKey string, opts ...Option) (*Reader, error) {
	r, err := NewReader(url, exchange, queue, routingKey, opts...)
	if err != nil {
		return nil, err
	}
	if err := open(ctx, r.connector); err != nil {
		return nil, err
	}
	return r, nil
}

// WithReader opens a Reader, runs fn and closes the Reader whichever way fn
// returns, panics included.
func WithReader(ctx context.Context, url, exchange, queue, routingKey string, fn func(*Reader) error, opts ...Option) (err error) {
	r, err := OpenReader(ctx, url, exchange, queue, routingKey, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(r)
}

// Get blocks until a message is available and returns its body. It returns
// ErrChannelClosed once the Reader stopped and every buffered message was
// read, and ctx.Err() when ctx ends first.
func (r *Reader) Get(ctx context.Context) ([]byte, error) {
	return r.pipe.Recv(ctx)
}

// GetNowait returns a buffered message, or ErrEmpty when there is none.
func (r *Reader) GetNowait() ([]byte, error) {
	return r.pipe.TryRecv()
}

// GetAllNowait yields buffered messages until none is left or limit were
// yielded. A limit of zero or less means no bound.
func (r *Reader) GetAllNowait(limit int) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for n := 0; limit <= 0 || n < limit; n++ {
			payload, err := r.pipe.TryRecv()
			if err != nil {
				return
			}
			if !yield(payload) {
				return
			}
		}
	}
}

// Empty reports whether nothing is buffered.
func (r *Reader) Empty() bool {
	return !r.pipe.Poll()
}

// Poll reports whether a message is buffered, so that GetNowait would not
// return ErrEmpty.
func (r *Reader) Poll() bool {
	return r.pipe.Poll()
}

// Messages yields messages as they arrive until the Reader stops or ctx
// ends.
func (r *Reader) Messages(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			payload, err := r.pipe.Recv(ctx)
			if err != nil {
				if !errors.Is(err, pipe.ErrClosed) {
					r.logger.Debug("message iteration ended", "error", err)
				}
				return
			}
			if !yield(payload) {
				return
			}
		}
	}
}

func workerConfig(url, exchange string, o *options) worker.Config {
	return worker.Config{
		URL: url,
		Exchange: broker.ExchangeDeclaration{
			Name:      exchange,
			Kind:      o.exchangeKind,
			Durable:   o.exchangeDurable,
			Arguments: o.exchangeArgs,
		},
		ShutdownTimeout: o.shutdownTimeout,
		Logger:          o.logger,
	}
}

// open starts c and waits for readiness with the configured timeout,
// closing c on failure.
func open(ctx context.Context, c *connector) error {
	if err := c.Start(); err != nil {
		return err
	}
	if err := c.WaitTillReady(ctx, 0); err != nil {
		_ = c.Close()
		if cause := c.Err(); cause != nil {
			return fmt.Errorf("%w: %w", err, cause)
		}
		return err
	}
	return nil
}
