package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/scnerd/easyrabbit/broker"
	"github.com/scnerd/easyrabbit/internal/eventloop"
	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
)

const defaultPollTime = 10 * time.Millisecond

// WriterConfig describes how a Writer publishes.
type WriterConfig struct {
	RoutingKey string
	Mandatory  bool
	Immediate  bool
	// Retry republishes returned messages on the next cycle instead of
	// dropping them.
	Retry    bool
	PollTime time.Duration
}

type writer struct {
	w     *Worker
	cfg   WriterConfig
	retry retryQueue
	timer *eventloop.Timer
}

// NewWriter creates a worker that publishes every payload taken from p to
// the exchange.
func NewWriter(cfg Config, wc WriterConfig, dial broker.Dialer, p *pipe.Pipe, g *readiness.Gate) (*Worker, error) {
	if wc.PollTime <= 0 {
		wc.PollTime = defaultPollTime
	}
	w, err := newWorker("writer", cfg, dial, p, g)
	if err != nil {
		return nil, err
	}
	w.role = &writer{w: w, cfg: wc}
	return w, nil
}

func (wr *writer) exchangeDeclared() {
	wr.w.client.NotifyReturn(wr.onReturn)
	wr.w.setState(Ready)
	wr.w.markReady()
	wr.publishCycle()
}

// publishCycle flushes and re-arms itself every PollTime.
func (wr *writer) publishCycle() {
	if wr.w.closing {
		return
	}
	if err := wr.flush(); err != nil {
		wr.w.finish(err)
		return
	}
	wr.w.setState(Publishing)

	if wr.timer == nil {
		wr.timer = wr.w.loop.AfterFunc(wr.cfg.PollTime, wr.publishCycle)
		return
	}
	wr.timer.Reset(wr.cfg.PollTime)
}

// flush publishes everything buffered in the pipe, then the retry queue.
func (wr *writer) flush() error {
	for {
		payload, err := wr.w.pipe.TryRecv()
		if errors.Is(err, pipe.ErrEmpty) || errors.Is(err, pipe.ErrClosed) {
			break
		}
		if err != nil {
			return err
		}
		if err := wr.publish(payload); err != nil {
			return err
		}
	}

	for n := wr.retry.len(); n > 0; n-- {
		payload, _ := wr.retry.pop()
		if err := wr.publish(payload); err != nil {
			return err
		}
	}
	return nil
}

func (wr *writer) publish(payload []byte) error {
	err := wr.w.client.Publish(wr.w.cfg.Exchange.Name, wr.cfg.RoutingKey, payload, wr.cfg.Mandatory, wr.cfg.Immediate)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", wr.w.cfg.Exchange.Name, err)
	}
	wr.w.logger.Debug("published message", "routing_key", wr.cfg.RoutingKey, "payload", preview(payload))
	return nil
}

// onReturn handles a message the broker could not route. Reasons are not
// distinguished.
func (wr *writer) onReturn(ret broker.Return) {
	if wr.cfg.Retry {
		wr.w.logger.Warn("message returned, will retry",
			"reply_code", ret.ReplyCode, "reply_text", ret.ReplyText, "payload", preview(ret.Body))
		wr.retry.push(ret.Body)
		return
	}
	wr.w.logger.Warn("message returned, dropping",
		"reply_code", ret.ReplyCode, "reply_text", ret.ReplyText, "payload", preview(ret.Body))
}

// shutdown publishes what is still buffered and closes the connection.
func (wr *writer) shutdown() {
	if wr.timer != nil {
		wr.timer.Stop()
	}
	if err := wr.flush(); err != nil {
		wr.w.logger.Warn("final flush failed", "error", err)
	}
	wr.w.closeConnection()
}
