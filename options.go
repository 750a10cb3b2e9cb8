package easyrabbit

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scnerd/easyrabbit/broker"
	"github.com/scnerd/easyrabbit/internal/rabbitmq"
)

const (
	defaultPollTime        = 10 * time.Millisecond
	defaultShutdownTimeout = 5 * time.Second
)

// Option configures a Reader or a Writer. Options that only make sense for
// one side are ignored by the other.
type Option func(*options)

type options struct {
	// connection
	exchangeKind    string
	exchangeDurable bool
	exchangeArgs    broker.Table
	daemon          bool
	dialer          broker.Dialer
	amqpConfig      *amqp.Config

	// reader
	exclusive   bool
	durable     bool
	autoDelete  bool
	queueArgs   broker.Table
	prefetch    int
	consumerTag string

	// writer
	mandatory bool
	immediate bool
	retry     bool
	pollTime  time.Duration

	logger          *slog.Logger
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
}

func newOptions(opts []Option) *options {
	o := &options{
		exchangeKind:    amqp.ExchangeDirect,
		daemon:          true,
		pollTime:        defaultPollTime,
		shutdownTimeout: defaultShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// dial returns the broker client factory, defaulting to RabbitMQ.
func (o *options) dial() broker.Dialer {
	if o.dialer != nil {
		return o.dialer
	}
	clientOpts := []rabbitmq.ClientOption{rabbitmq.WithLogger(o.logger)}
	if o.amqpConfig != nil {
		clientOpts = append(clientOpts, rabbitmq.WithConfig(*o.amqpConfig))
	}
	return rabbitmq.Dialer(clientOpts...)
}

// WithExclusive declares the Reader's queue exclusive to its connection.
// The consumer itself is never registered as exclusive.
func WithExclusive(exclusive bool) Option {
	return func(o *options) {
		o.exclusive = exclusive
	}
}

// WithQueueArgs sets the arguments of the Reader's queue declaration, such
// as x-message-ttl or x-max-length.
func WithQueueArgs(args map[string]interface{}) Option {
	return func(o *options) {
		o.queueArgs = broker.Table(args)
	}
}

// WithExchangeArgs sets the arguments of the exchange declaration.
func WithExchangeArgs(args map[string]interface{}) Option {
	return func(o *options) {
		o.exchangeArgs = broker.Table(args)
	}
}

// WithExchangeKind sets the exchange type. Defaults to direct.
func WithExchangeKind(kind string) Option {
	return func(o *options) {
		o.exchangeKind = kind
	}
}

// WithDurable makes the exchange, and the Reader's queue, survive a broker
// restart.
func WithDurable(durable bool) Option {
	return func(o *options) {
		o.exchangeDurable = durable
		o.durable = durable
	}
}

// WithExchangeDurable sets exchange durability alone, for a durable queue
// on a transient exchange or the reverse.
func WithExchangeDurable(durable bool) Option {
	return func(o *options) {
		o.exchangeDurable = durable
	}
}

// WithAutoDelete deletes the Reader's queue once its last consumer is gone.
func WithAutoDelete(autoDelete bool) Option {
	return func(o *options) {
		o.autoDelete = autoDelete
	}
}

// WithPrefetch limits unacknowledged deliveries to the Reader. Zero means
// no limit.
func WithPrefetch(count int) Option {
	return func(o *options) {
		o.prefetch = count
	}
}

// WithConsumerTag sets the Reader's consumer tag. A tag is generated when
// empty.
func WithConsumerTag(tag string) Option {
	return func(o *options) {
		o.consumerTag = tag
	}
}

// WithMandatory publishes with the mandatory flag: unroutable messages are
// returned to the Writer.
func WithMandatory(mandatory bool) Option {
	return func(o *options) {
		o.mandatory = mandatory
	}
}

// WithImmediate publishes with the immediate flag: messages no consumer can
// take right away are returned to the Writer. RabbitMQ 3 and later reject
// this flag.
func WithImmediate(immediate bool) Option {
	return func(o *options) {
		o.immediate = immediate
	}
}

// WithRetry republishes returned messages on the following publish cycle
// instead of dropping them.
func WithRetry(retry bool) Option {
	return func(o *options) {
		o.retry = retry
	}
}

// WithPollTime sets how often the Writer publishes what was Put.
func WithPollTime(d time.Duration) Option {
	return func(o *options) {
		o.pollTime = d
	}
}

// WithDaemon ties the connector to the lifetime of its handle: an
// unreachable connector that was never closed is closed by the garbage
// collector. Enabled by default. Non-daemon connectors run until Close.
func WithDaemon(daemon bool) Option {
	return func(o *options) {
		o.daemon = daemon
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReadyTimeout is the WaitTillReady timeout used when the call passes
// none. Zero waits indefinitely.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readyTimeout = d
	}
}

// WithShutdownTimeout bounds graceful shutdown in Close.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithDialer replaces the RabbitMQ client, for example with
// brokertest.Broker.Dialer in tests.
func WithDialer(dial broker.Dialer) Option {
	return func(o *options) {
		o.dialer = dial
	}
}

// amqpConfig starts from the client defaults; a zero heartbeat keeps the
// default one.
func amqpConfig(heartbeat time.Duration, vhost string) amqp.Config {
	config := rabbitmq.DefaultConfig()
	if heartbeat > 0 {
		config.Heartbeat = heartbeat
	}
	config.Vhost = vhost
	return config
}

// WithAMQPConfig sets the amqp dial configuration: heartbeat, TLS, vhost
// and client properties.
func WithAMQPConfig(config amqp.Config) Option {
	return func(o *options) {
		o.amqpConfig = &config
	}
}
