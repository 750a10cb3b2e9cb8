// Package rabbitmq adapts github.com/rabbitmq/amqp091-go to the
// callback-driven broker.Client contract.
//
// This package includes:
//   - Client: one AMQP connection with one channel, driven by callbacks
//   - connection dialing with timeout and close notification
//   - topology declaration (exchange, queue, binding)
//   - consumption with manual ack/nack and broker cancel notification
//   - publishing with mandatory/immediate flags and return notification
//
// amqp091 calls block until the broker answers. The Client runs those calls
// on short-lived goroutines and posts their completion, as well as every
// delivery, return and close event, to the broker.Scheduler it was built
// with. Callers therefore see a strictly sequential stream of callbacks.
package rabbitmq
