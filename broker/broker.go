// Package broker defines the callback-driven client contract the connector
// worker drives.
//
// A Client never blocks its caller on broker round trips. Operations that
// need a round trip take a completion callback; events raised by the broker
// (deliveries, returned publishes, consumer cancellation, connection close)
// are reported through registered callbacks. Every callback is delivered
// through the Scheduler the client was dialed with, so the worker observes
// them one at a time on its own event loop.
package broker

// Scheduler runs callbacks sequentially on the worker's event loop.
type Scheduler interface {
	Post(fn func())
}

// Table holds broker-specific declaration arguments.
type Table map[string]interface{}

// ExchangeDeclaration describes an exchange to declare.
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  Table
}

// QueueDeclaration describes a queue to declare. An empty Name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  Table
}

// Binding binds a queue to an exchange.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  Table
}

// Delivery is a message pushed to a consumer.
type Delivery struct {
	DeliveryTag uint64
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Body        []byte
}

// Return is a published message the broker could not route.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Client is an asynchronous broker connection with a single channel.
type Client interface {
	// Open starts connecting. onOpen runs once the connection is up;
	// onClosed runs once when the connection goes away, with a nil error
	// after a requested Close.
	Open(onOpen func(), onClosed func(err error))

	OpenChannel(cb func(err error))
	DeclareExchange(decl ExchangeDeclaration, cb func(err error))
	// DeclareQueue reports the declared queue name, which differs from
	// decl.Name when the broker generated it.
	DeclareQueue(decl QueueDeclaration, cb func(name string, err error))
	BindQueue(binding Binding, cb func(err error))

	// Qos limits the number of unacknowledged deliveries.
	Qos(prefetch int) error
	// Consume registers onDelivery for queue and returns the consumer tag.
	Consume(queue, consumerTag string, exclusive bool, onDelivery func(Delivery)) (string, error)
	Cancel(consumerTag string, cb func(err error))
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error

	Publish(exchange, routingKey string, body []byte, mandatory, immediate bool) error

	NotifyReturn(fn func(Return))
	// NotifyCancel reports consumers cancelled by the broker.
	NotifyCancel(fn func(consumerTag string))
	// NotifyChannelClose reports the channel being closed by the broker,
	// for instance after a failed acknowledgement. Closing it through
	// CloseChannel or Close is not reported.
	NotifyChannelClose(fn func(err error))

	CloseChannel() error
	Close() error
}

// Dialer builds a Client for url whose callbacks go through sched.
type Dialer func(url string, sched Scheduler) (Client, error)
