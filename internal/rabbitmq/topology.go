package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scnerd/easyrabbit/broker"
)

// DeclareExchange declares an exchange; an empty Kind means "direct".
func (c *Client) DeclareExchange(decl broker.ExchangeDeclaration, cb func(err error)) {
	c.run(cb, func(ch *amqp.Channel) error {
		if err := declareExchange(ch, decl); err != nil {
			return topologyError("exchange", decl.Name, "declare", err)
		}
		return nil
	})
}

// DeclareQueue declares a queue and reports its (possibly generated) name.
func (c *Client) DeclareQueue(decl broker.QueueDeclaration, cb func(name string, err error)) {
	go func() {
		ch, err := c.channel()
		if err != nil {
			c.sched.Post(func() { cb("", err) })
			return
		}

		q, err := declareQueue(ch, decl)
		if err != nil {
			err = topologyError("queue", decl.Name, "declare", err)
			c.sched.Post(func() { cb("", err) })
			return
		}
		c.sched.Post(func() { cb(q.Name, nil) })
	}()
}

// BindQueue binds a queue to an exchange.
func (c *Client) BindQueue(binding broker.Binding, cb func(err error)) {
	c.run(cb, func(ch *amqp.Channel) error {
		if err := bindQueue(ch, binding); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "create", err)
		}
		return nil
	})
}

// run executes fn against the channel off the scheduler and posts its result.
func (c *Client) run(cb func(err error), fn func(ch *amqp.Channel) error) {
	go func() {
		ch, err := c.channel()
		if err == nil {
			err = fn(ch)
		}
		c.sched.Post(func() { cb(err) })
	}()
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch *amqp.Channel, exchange broker.ExchangeDeclaration) error {
	kind := exchange.Kind
	if kind == "" {
		kind = amqp.ExchangeDirect
	}
	return ch.ExchangeDeclare(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		toTable(exchange.Arguments),
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch *amqp.Channel, queue broker.QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		toTable(queue.Arguments),
	)
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch *amqp.Channel, binding broker.Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		toTable(binding.Arguments),
	)
}

func toTable(args broker.Table) amqp.Table {
	if len(args) == 0 {
		return nil
	}
	table := make(amqp.Table, len(args))
	for k, v := range args {
		table[k] = v
	}
	return table
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
