package easyrabbit

import (
	"context"
	"fmt"

	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
	"github.com/scnerd/easyrabbit/internal/worker"
)

// Writer publishes payloads to an exchange. Put only buffers: the worker
// publishes buffered payloads every poll interval, and once more on Close.
//
// A Writer must be written to from one goroutine at a time.
type Writer struct {
	*connector
}

// NewWriter creates a Writer that declares exchange and publishes to it
// with routingKey. It does not connect until Start.
func NewWriter(url, exchange, routingKey string, opts ...Option) (*Writer, error) {
	o := newOptions(opts)

	p, g := pipe.New(), readiness.New()
	w, err := worker.NewWriter(workerConfig(url, exchange, o), worker.WriterConfig{
		RoutingKey: routingKey,
		Mandatory:  o.mandatory,
		Immediate:  o.immediate,
		Retry:      o.retry,
		PollTime:   o.pollTime,
	}, o.dial(), p, g)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	wr := &Writer{connector: newConnector(w, p, g, o, true)}
	if o.daemon {
		closeOnCollect(wr, wr.connector)
	}
	return wr, nil
}

// OpenWriter creates and starts a Writer and waits until it is ready. On
// failure the Writer is closed.
func OpenWriter(ctx context.Context, url, exchange, routingKey string, opts ...Option) (*Writer, error) {
	wr, err := NewWriter(url, exchange, routingKey, opts...)
	if err != nil {
		return nil, err
	}
	if err := open(ctx, wr.connector); err != nil {
		return nil, err
	}
	return wr, nil
}

// WithWriter opens a Writer, runs fn and closes the Writer whichever way fn
// returns, panics included. Payloads put by fn are published before
// WithWriter returns.
func WithWriter(ctx context.Context, url, exchange, routingKey string, fn func(*Writer) error, opts ...Option) (err error) {
	wr, err := OpenWriter(ctx, url, exchange, routingKey, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := wr.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(wr)
}

// Put buffers payload for publishing. It never blocks and returns
// ErrChannelClosed once the Writer is closed or its worker stopped.
func (w *Writer) Put(payload []byte) error {
	return w.pipe.Send(payload)
}

// PutAll puts each payload in order. It stops at the first failure;
// payloads put before it stay buffered.
func (w *Writer) PutAll(payloads ...[]byte) error {
	for i, payload := range payloads {
		if err := w.Put(payload); err != nil {
			return fmt.Errorf("put %d of %d: %w", i+1, len(payloads), err)
		}
	}
	return nil
}
