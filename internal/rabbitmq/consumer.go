package rabbitmq

import (
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scnerd/easyrabbit/broker"
)

// Qos sets the prefetch count on the channel. A count <= 0 leaves the
// broker default in place.
func (c *Client) Qos(prefetch int) error {
	if prefetch <= 0 {
		return nil
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return ch.Qos(prefetch, 0, false)
}

// Consume starts a manual-ack consumer on queue. An empty consumerTag gets
// a generated one, which is returned.
func (c *Client) Consume(queue, consumerTag string, exclusive bool, onDelivery func(broker.Delivery)) (string, error) {
	if consumerTag == "" {
		consumerTag = "easyrabbit-" + uuid.New().String()
	}

	ch, err := c.channel()
	if err != nil {
		return "", consumerError(queue, consumerTag, "consume", err)
	}

	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // auto-ack
		exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", consumerError(queue, consumerTag, "consume", err)
	}

	go func() {
		for d := range deliveries {
			delivery := toDelivery(d)
			c.sched.Post(func() { onDelivery(delivery) })
		}
		c.logger.Debug("delivery channel closed", "queue", queue, "consumerTag", consumerTag)
	}()

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", consumerTag,
	)

	return consumerTag, nil
}

// Cancel stops the consumer; cb runs once the broker confirmed.
func (c *Client) Cancel(consumerTag string, cb func(err error)) {
	c.run(cb, func(ch *amqp.Channel) error {
		if err := ch.Cancel(consumerTag, false); err != nil {
			return consumerError("", consumerTag, "cancel", err)
		}
		return nil
	})
}

// Ack acknowledges a single delivery.
func (c *Client) Ack(deliveryTag uint64) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return ch.Ack(deliveryTag, false)
}

// Nack negatively acknowledges a single delivery.
func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	return ch.Nack(deliveryTag, false, requeue)
}

// NotifyCancel reports consumers the broker cancelled, for instance because
// their queue was deleted.
func (c *Client) NotifyCancel(fn func(consumerTag string)) {
	ch, err := c.channel()
	if err != nil {
		c.logger.Warn("cannot register cancel notification", "error", err)
		return
	}

	cancels := ch.NotifyCancel(make(chan string, 1))
	go func() {
		for tag := range cancels {
			c.sched.Post(func() { fn(tag) })
		}
	}()
}

func toDelivery(d amqp.Delivery) broker.Delivery {
	return broker.Delivery{
		DeliveryTag: d.DeliveryTag,
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Body:        d.Body,
	}
}

func consumerError(queue, consumerTag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
