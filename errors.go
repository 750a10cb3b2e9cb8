package easyrabbit

import (
	"errors"

	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
	"github.com/scnerd/easyrabbit/internal/worker"
)

var (
	// ErrTimeout is returned by WaitTillReady when the connector did not
	// become ready in time, including when setup failed. Err reports why.
	ErrTimeout = readiness.ErrTimeout
	// ErrEmpty is returned by GetNowait when nothing is buffered.
	ErrEmpty = pipe.ErrEmpty
	// ErrChannelClosed is returned by Put after Close, and by Get once the
	// connector stopped and every buffered payload was read.
	ErrChannelClosed = pipe.ErrClosed

	// ErrShutdownTimeout is returned by Close when the worker did not shut
	// down gracefully within the shutdown timeout.
	ErrShutdownTimeout = worker.ErrShutdownTimeout
	// ErrConnectionLost and ErrChannelLost are reported by Err when the
	// broker ended the connection or the channel of a running connector.
	ErrConnectionLost = worker.ErrConnectionLost
	ErrChannelLost    = worker.ErrChannelLost

	ErrAlreadyStarted = errors.New("easyrabbit: already started")
	ErrNotStarted     = errors.New("easyrabbit: not started")
	ErrClosed         = errors.New("easyrabbit: connector closed")
	ErrInvalidConfig  = errors.New("easyrabbit: invalid configuration")
)
