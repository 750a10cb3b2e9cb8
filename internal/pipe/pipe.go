// Package pipe provides the ordered byte channel that carries payloads
// between a connector's worker and the goroutine that controls it.
//
// A Pipe is unbounded and point-to-point: one goroutine sends, one receives.
// Payloads are copied on Send so the sender may reuse its buffer.
package pipe

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Send after Close, and by receives once the
	// pipe is closed and drained.
	ErrClosed = errors.New("pipe: closed")
	// ErrEmpty is returned by TryRecv when nothing is buffered.
	ErrEmpty = errors.New("pipe: empty")
)

// Pipe is an unbounded FIFO of byte payloads.
type Pipe struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// New creates an open, empty pipe.
func New() *Pipe {
	return &Pipe{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send appends a copy of payload. It never blocks.
func (p *Pipe) Send(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.items = append(p.items, buf)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Recv blocks until a payload is available, the pipe is closed and drained,
// or ctx is done.
func (p *Pipe) Recv(ctx context.Context) ([]byte, error) {
	for {
		payload, err := p.TryRecv()
		switch {
		case err == nil:
			return payload, nil
		case !errors.Is(err, ErrEmpty):
			return nil, err
		}

		select {
		case <-p.notify:
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv pops the oldest payload without blocking. Buffered payloads remain
// readable after Close.
func (p *Pipe) TryRecv() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) == 0 {
		if p.closed {
			return nil, ErrClosed
		}
		return nil, ErrEmpty
	}

	payload := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return payload, nil
}

// Poll reports whether at least one payload is buffered.
func (p *Pipe) Poll() bool {
	return p.Len() > 0
}

// Len returns the number of buffered payloads.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Close stops further sends and wakes blocked receivers. It is idempotent.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	return nil
}

// Closed reports whether Close has been called.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
