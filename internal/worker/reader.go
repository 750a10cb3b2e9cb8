package worker

import (
	"errors"
	"fmt"

	"github.com/scnerd/easyrabbit/broker"
	"github.com/scnerd/easyrabbit/internal/pipe"
	"github.com/scnerd/easyrabbit/internal/readiness"
)

// ReaderConfig describes the queue a Reader consumes from.
type ReaderConfig struct {
	// QueueName may be empty for a broker-named queue.
	QueueName   string
	RoutingKey  string
	Exclusive   bool
	Durable     bool
	AutoDelete  bool
	QueueArgs   broker.Table
	Prefetch    int
	ConsumerTag string
}

type reader struct {
	w   *Worker
	cfg ReaderConfig

	queue       string
	consumerTag string
}

// NewReader creates a worker that declares and binds a queue and forwards
// every delivery into p.
func NewReader(cfg Config, rc ReaderConfig, dial broker.Dialer, p *pipe.Pipe, g *readiness.Gate) (*Worker, error) {
	w, err := newWorker("reader", cfg, dial, p, g)
	if err != nil {
		return nil, err
	}
	w.role = &reader{w: w, cfg: rc}
	return w, nil
}

func (r *reader) exchangeDeclared() {
	r.w.setState(QueueDeclaring)
	r.w.client.DeclareQueue(broker.QueueDeclaration{
		Name:       r.cfg.QueueName,
		Durable:    r.cfg.Durable,
		AutoDelete: r.cfg.AutoDelete,
		Exclusive:  r.cfg.Exclusive,
		Arguments:  r.cfg.QueueArgs,
	}, r.onQueueDeclared)
}

func (r *reader) onQueueDeclared(name string, err error) {
	if !r.w.proceed("declare queue", err) {
		return
	}
	r.queue = name
	r.w.logger.Debug("queue declared", "queue", name)

	r.w.setState(QueueBinding)
	r.w.client.BindQueue(broker.Binding{
		Queue:      name,
		Exchange:   r.w.cfg.Exchange.Name,
		RoutingKey: r.cfg.RoutingKey,
	}, r.onQueueBound)
}

func (r *reader) onQueueBound(err error) {
	if !r.w.proceed("bind queue", err) {
		return
	}

	r.w.client.NotifyCancel(r.onCancelled)
	if err := r.w.client.Qos(r.cfg.Prefetch); err != nil {
		r.w.finish(fmt.Errorf("set prefetch: %w", err))
		return
	}
	// exclusivity belongs to the queue declaration
	tag, err := r.w.client.Consume(r.queue, r.cfg.ConsumerTag, false, r.onMessage)
	if err != nil {
		r.w.finish(fmt.Errorf("consume %s: %w", r.queue, err))
		return
	}
	r.consumerTag = tag

	r.w.setState(Consuming)
	r.w.logger.Debug("consuming", "queue", r.queue, "consumer_tag", tag, "routing_key", r.cfg.RoutingKey)
	r.w.markReady()
}

// onMessage forwards a delivery to the controller and acknowledges it. A
// delivery that cannot be forwarded is requeued and the worker stops.
func (r *reader) onMessage(d broker.Delivery) {
	if err := r.w.pipe.Send(d.Body); err != nil {
		if nackErr := r.w.client.Nack(d.DeliveryTag, true); nackErr != nil {
			err = errors.Join(err, nackErr)
		}
		r.w.finish(fmt.Errorf("forward delivery %d: %w", d.DeliveryTag, err))
		return
	}
	r.w.logger.Debug("received message", "delivery_tag", d.DeliveryTag, "payload", preview(d.Body))

	if err := r.w.client.Ack(d.DeliveryTag); err != nil {
		r.w.logger.Warn("failed to ack message", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

// onCancelled handles a consumer cancelled by the broker, for example when
// its queue was deleted.
func (r *reader) onCancelled(tag string) {
	if r.w.closing {
		return
	}
	r.w.logger.Info("consumer cancelled by broker", "consumer_tag", tag, "queue", r.queue)
	r.w.beginClosing()
	r.w.closeConnection()
}

func (r *reader) shutdown() {
	r.w.logger.Debug("cancelling consumer", "consumer_tag", r.consumerTag)
	r.w.client.Cancel(r.consumerTag, func(err error) {
		if err != nil {
			r.w.logger.Debug("cancel consumer", "error", err)
		}
		r.w.closeConnection()
	})
}
