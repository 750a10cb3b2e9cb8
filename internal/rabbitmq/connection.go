package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scnerd/easyrabbit/broker"
)

// Client implements broker.Client over a single AMQP connection and channel.
type Client struct {
	url         string
	config      amqp.Config
	dialTimeout time.Duration
	sched       broker.Scheduler
	logger      *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

var _ broker.Client = (*Client)(nil)

// same defaults as amqp.Dial
const (
	defaultHeartbeat = 10 * time.Second
	defaultLocale    = "en_US"
)

// DefaultConfig returns the dial configuration a Client uses unless
// WithConfig replaces it.
func DefaultConfig() amqp.Config {
	return amqp.Config{Heartbeat: defaultHeartbeat, Locale: defaultLocale}
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConfig sets the amqp dial configuration (heartbeat, TLS, vhost, ...)
func WithConfig(config amqp.Config) ClientOption {
	return func(c *Client) {
		c.config = config
	}
}

// WithDialTimeout bounds TCP connect and the AMQP handshake. It is ignored
// when the amqp.Config carries its own Dial function.
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = timeout
	}
}

// NewClient validates url and returns a Client that has not connected yet.
func NewClient(url string, sched broker.Scheduler, options ...ClientOption) (*Client, error) {
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfiguration)
	}

	url = NormalizeURL(url)
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	c := &Client{
		url:         url,
		config:      DefaultConfig(),
		dialTimeout: 30 * time.Second,
		sched:       sched,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Dialer returns a broker.Dialer producing Clients with the given options.
func Dialer(options ...ClientOption) broker.Dialer {
	return func(url string, sched broker.Scheduler) (broker.Client, error) {
		return NewClient(url, sched, options...)
	}
}

// Open dials in the background. Exactly one of onOpen/onClosed reports the
// dial outcome; after onOpen, onClosed reports the end of the connection.
func (c *Client) Open(onOpen func(), onClosed func(err error)) {
	go func() {
		conn, err := c.dial()
		if err != nil {
			connErr := &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(c.url),
				Err:       err,
				Timestamp: time.Now(),
			}
			c.sched.Post(func() { onClosed(connErr) })
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			c.sched.Post(func() { onClosed(nil) })
			return
		}
		c.conn = conn
		c.mu.Unlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		c.logger.Info("connected to RabbitMQ", "url", SanitizeURL(c.url))
		c.sched.Post(onOpen)

		go func() {
			var closeErr error
			if amqpErr, ok := <-notifyClose; ok && amqpErr != nil {
				closeErr = &ConnectionError{
					Op:        "connection",
					URL:       SanitizeURL(c.url),
					Err:       amqpErr,
					Timestamp: time.Now(),
				}
			}
			c.sched.Post(func() { onClosed(closeErr) })
		}()
	}()
}

func (c *Client) dial() (*amqp.Connection, error) {
	config := c.config
	if config.Locale == "" {
		config.Locale = defaultLocale
	}
	if config.Dial == nil {
		config.Dial = amqp.DefaultDial(c.dialTimeout)
	}
	return amqp.DialConfig(c.url, config)
}

// OpenChannel opens the client's single channel.
func (c *Client) OpenChannel(cb func(err error)) {
	go func() {
		conn, err := c.connection()
		if err != nil {
			c.sched.Post(func() { cb(err) })
			return
		}

		ch, err := conn.Channel()
		if err != nil {
			chanErr := &ChannelError{
				Op:        "open channel",
				Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
				Timestamp: time.Now(),
			}
			c.sched.Post(func() { cb(chanErr) })
			return
		}

		c.mu.Lock()
		c.ch = ch
		c.mu.Unlock()

		c.sched.Post(func() { cb(nil) })
	}()
}

// NotifyChannelClose reports the open channel being shut down with an
// error. A channel closed through CloseChannel is not reported; one that is
// already gone is reported right away.
func (c *Client) NotifyChannelClose(fn func(err error)) {
	ch, err := c.channel()
	if err != nil {
		c.sched.Post(func() { fn(err) })
		return
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-closes
		if !ok || amqpErr == nil {
			return
		}
		chanErr := &ChannelError{
			Op:        "channel",
			Err:       amqpErr,
			Timestamp: time.Now(),
		}
		c.logger.Warn("channel closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
		c.sched.Post(func() { fn(chanErr) })
	}()
}

// CloseChannel closes the channel if it is open.
func (c *Client) CloseChannel() error {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return nil
	}
	return ch.Close()
}

// Close closes the connection. It is idempotent; a dial still in flight is
// closed as soon as it completes.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

func (c *Client) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if c.closed || c.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return c.conn, nil
}

func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || c.ch.IsClosed() {
		return nil, ErrChannelNotOpen
	}
	return c.ch, nil
}
