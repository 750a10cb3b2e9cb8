// Package brokertest provides an in-memory broker implementing
// broker.Client, for tests that exercise connectors without RabbitMQ.
//
// The broker supports direct, fanout and topic exchanges, the default
// exchange, server-named and exclusive queues, manual ack/nack with
// requeue, mandatory/immediate returns and broker-initiated consumer
// cancellation. Failures can be injected per operation.
package brokertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/scnerd/easyrabbit/broker"
)

// Op names a client operation for fault injection.
type Op string

const (
	OpOpen            Op = "open"
	OpOpenChannel     Op = "open-channel"
	OpDeclareExchange Op = "declare-exchange"
	OpDeclareQueue    Op = "declare-queue"
	OpBindQueue       Op = "bind-queue"
	OpConsume         Op = "consume"
	OpPublish         Op = "publish"
	OpAck             Op = "ack"
)

var (
	ErrUnreachable      = errors.New("brokertest: broker unreachable")
	ErrNotOpen          = errors.New("brokertest: not open")
	ErrNotFound         = errors.New("brokertest: not found")
	ErrUnknownDelivery  = errors.New("brokertest: unknown delivery tag")
	ErrPreconditionFail = errors.New("brokertest: precondition failed")
)

type message struct {
	body        []byte
	exchange    string
	routingKey  string
	redelivered bool
}

type consumer struct {
	tag        string
	client     *Client
	exclusive  bool
	onDelivery func(broker.Delivery)
}

type queue struct {
	decl      broker.QueueDeclaration
	owner     *Client
	messages  []message
	consumers []*consumer
	next      int
}

type pending struct {
	queue    *queue
	consumer *consumer
	msg      message
}

// Broker is an in-memory message broker. The zero value is not usable; use
// New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]broker.ExchangeDeclaration
	queues    map[string]*queue
	bindings  []broker.Binding
	unacked   map[uint64]*pending
	clients   map[*Client]struct{}
	failures  map[Op]error
	hang      bool
	nextTag   uint64
	published int
	returned  int
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]broker.ExchangeDeclaration),
		queues:    make(map[string]*queue),
		unacked:   make(map[uint64]*pending),
		clients:   make(map[*Client]struct{}),
		failures:  make(map[Op]error),
	}
}

// Dialer returns a broker.Dialer connecting clients to b. The url is ignored.
func (b *Broker) Dialer() broker.Dialer {
	return func(_ string, sched broker.Scheduler) (broker.Client, error) {
		return b.NewClient(sched), nil
	}
}

// NewClient creates a client whose callbacks go through sched.
func (b *Broker) NewClient(sched broker.Scheduler) *Client {
	return &Client{
		broker:    b,
		sched:     sched,
		consumers: make(map[string]*consumer),
	}
}

// Fail makes every subsequent op fail with err. A nil err clears the fault.
func (b *Broker) Fail(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// SetUnreachable makes Open fail with ErrUnreachable.
func (b *Broker) SetUnreachable(unreachable bool) {
	if unreachable {
		b.Fail(OpOpen, ErrUnreachable)
		return
	}
	b.Fail(OpOpen, nil)
}

// SetHang makes Open never complete, like a broker that accepts TCP but
// never answers the handshake.
func (b *Broker) SetHang(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = hang
}

// DeclareQueue declares a queue out of band, as another application would.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{decl: broker.QueueDeclaration{Name: name}}
	}
}

// Bind binds queue to exchange out of band. Messages published before the
// binding existed are not affected.
func (b *Broker) Bind(queueName, exchange, routingKey string) error {
	b.mu.Lock()
	if _, ok := b.queues[queueName]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: queue %q", ErrNotFound, queueName)
	}
	b.bindings = append(b.bindings, broker.Binding{Queue: queueName, Exchange: exchange, RoutingKey: routingKey})
	b.mu.Unlock()
	return nil
}

// DeleteQueue removes a queue and cancels its consumers, which are told
// through NotifyCancel.
func (b *Broker) DeleteQueue(name string) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.queues, name)
	b.unbindLocked(name)

	var posts []func()
	for _, c := range q.consumers {
		delete(c.client.consumers, c.tag)
		posts = append(posts, c.client.cancelNotificationsLocked(c.tag)...)
	}
	q.consumers = nil
	b.mu.Unlock()

	runAll(posts)
}

// CloseChannels closes every open client channel from the broker side with
// reason, as RabbitMQ does on a channel-level error. Consumers are removed,
// unacknowledged deliveries requeued and NotifyChannelClose callbacks told.
func (b *Broker) CloseChannels(reason error) {
	b.mu.Lock()
	var posts []func()
	for c := range b.clients {
		if !c.channelOpen {
			continue
		}
		posts = append(posts, c.releaseLocked()...)
		c.channelOpen = false
		for _, fn := range c.chanClose {
			posts = append(posts, func() { c.post(func() { fn(reason) }) })
		}
	}
	b.mu.Unlock()

	runAll(posts)
}

// QueueLen returns the number of ready (not yet delivered) messages.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Consumers returns how many consumers a queue has and how many of them
// consume exclusively.
func (b *Broker) Consumers(name string) (total, exclusive int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, 0
	}
	for _, c := range q.consumers {
		if c.exclusive {
			exclusive++
		}
	}
	return len(q.consumers), exclusive
}

// HasQueue reports whether a queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// HasExchange reports whether an exchange exists.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Unacked returns the number of delivered but unacknowledged messages.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Published returns the number of messages accepted by Publish.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Returned returns the number of messages returned to publishers.
func (b *Broker) Returned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.returned
}

// Connections returns the number of open client connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) failure(op Op) error {
	return b.failures[op]
}

func (b *Broker) unbindLocked(queueName string) {
	kept := b.bindings[:0]
	for _, binding := range b.bindings {
		if binding.Queue != queueName {
			kept = append(kept, binding)
		}
	}
	b.bindings = kept
}

// routeLocked returns the queues a message published to exchange with key reaches.
func (b *Broker) routeLocked(exchange, key string) []*queue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	kind := b.exchanges[exchange].Kind
	seen := make(map[string]bool)
	var out []*queue
	for _, binding := range b.bindings {
		if binding.Exchange != exchange || seen[binding.Queue] {
			continue
		}
		if !matches(kind, binding.RoutingKey, key) {
			continue
		}
		if q, ok := b.queues[binding.Queue]; ok {
			seen[binding.Queue] = true
			out = append(out, q)
		}
	}
	return out
}

// dispatchLocked hands ready messages to consumers round-robin and returns
// the delivery callbacks to post once the lock is released.
func (b *Broker) dispatchLocked(q *queue) []func() {
	var posts []func()
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		msg := q.messages[0]
		q.messages = q.messages[1:]

		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		b.nextTag++
		tag := b.nextTag
		b.unacked[tag] = &pending{queue: q, consumer: c, msg: msg}

		delivery := broker.Delivery{
			DeliveryTag: tag,
			ConsumerTag: c.tag,
			Exchange:    msg.exchange,
			RoutingKey:  msg.routingKey,
			Redelivered: msg.redelivered,
			Body:        append([]byte(nil), msg.body...),
		}
		onDelivery, sched := c.onDelivery, c.client.sched
		posts = append(posts, func() { sched.Post(func() { onDelivery(delivery) }) })
	}
	return posts
}

// requeueLocked puts a message back at the head of its queue.
func (b *Broker) requeueLocked(tag uint64, p *pending) []func() {
	delete(b.unacked, tag)
	if _, alive := b.queues[p.queue.decl.Name]; !alive {
		return nil
	}
	msg := p.msg
	msg.redelivered = true
	p.queue.messages = append([]message{msg}, p.queue.messages...)
	return b.dispatchLocked(p.queue)
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case "fanout":
		return true
	case "topic":
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func generatedQueueName() string {
	return "amq.gen-" + uuid.New().String()
}

func runAll(posts []func()) {
	for _, post := range posts {
		post()
	}
}
