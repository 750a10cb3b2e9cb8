package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scnerd/easyrabbit/broker"
)

// Publish sends body to exchange with the given routing key. It does not wait
// for publisher confirms; unroutable mandatory messages come back through
// NotifyReturn.
func (c *Client) Publish(exchange, routingKey string, body []byte, mandatory, immediate bool) error {
	ch, err := c.channel()
	if err != nil {
		return publishError(exchange, routingKey, mandatory, err)
	}

	publishing := amqp.Publishing{
		ContentType: "application/octet-stream",
		Timestamp:   time.Now(),
		Body:        body,
	}

	if err := ch.PublishWithContext(
		context.Background(),
		exchange,
		routingKey,
		mandatory,
		immediate,
		publishing,
	); err != nil {
		return publishError(exchange, routingKey, mandatory, err)
	}
	return nil
}

// NotifyReturn reports messages the broker could not route.
func (c *Client) NotifyReturn(fn func(broker.Return)) {
	ch, err := c.channel()
	if err != nil {
		c.logger.Warn("cannot register return notification", "error", err)
		return
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	go func() {
		for r := range returns {
			ret := toReturn(r)
			c.sched.Post(func() { fn(ret) })
		}
	}()
}

func toReturn(r amqp.Return) broker.Return {
	return broker.Return{
		ReplyCode:  r.ReplyCode,
		ReplyText:  r.ReplyText,
		Exchange:   r.Exchange,
		RoutingKey: r.RoutingKey,
		Body:       r.Body,
	}
}

func publishError(exchange, routingKey string, mandatory bool, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
