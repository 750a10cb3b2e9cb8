package brokertest

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/scnerd/easyrabbit/broker"
)

// Client is one connection with one channel to a Broker. All state is
// guarded by the broker's lock, so the scheduler must queue callbacks
// rather than run them from inside Post.
type Client struct {
	broker *Broker
	sched  broker.Scheduler

	open        bool
	channelOpen bool
	closed      bool
	onClosed    func(err error)

	consumers map[string]*consumer
	returns   []func(broker.Return)
	cancels   []func(consumerTag string)
	chanClose []func(err error)
}

var _ broker.Client = (*Client)(nil)

func (c *Client) post(fn func()) {
	c.sched.Post(fn)
}

// Open connects to the broker unless it is unreachable or hanging.
func (c *Client) Open(onOpen func(), onClosed func(err error)) {
	b := c.broker
	b.mu.Lock()
	if b.hang {
		b.mu.Unlock()
		return
	}
	if err := b.failure(OpOpen); err != nil {
		b.mu.Unlock()
		c.post(func() { onClosed(err) })
		return
	}
	if c.closed {
		b.mu.Unlock()
		c.post(func() { onClosed(nil) })
		return
	}
	c.open = true
	c.onClosed = onClosed
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	c.post(onOpen)
}

func (c *Client) OpenChannel(cb func(err error)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.failure(OpOpenChannel)
	if err == nil && !c.open {
		err = ErrNotOpen
	}
	if err == nil {
		c.channelOpen = true
	}
	c.post(func() { cb(err) })
}

func (c *Client) DeclareExchange(decl broker.ExchangeDeclaration, cb func(err error)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	err := c.checkLocked(OpDeclareExchange)
	if err == nil {
		if existing, ok := b.exchanges[decl.Name]; ok && existing.Kind != kindOf(decl) {
			err = fmt.Errorf("%w: exchange %q redeclared as %q", ErrPreconditionFail, decl.Name, kindOf(decl))
		} else {
			decl.Kind = kindOf(decl)
			b.exchanges[decl.Name] = decl
		}
	}
	c.post(func() { cb(err) })
}

func (c *Client) DeclareQueue(decl broker.QueueDeclaration, cb func(name string, err error)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(OpDeclareQueue); err != nil {
		c.post(func() { cb("", err) })
		return
	}

	name := decl.Name
	if name == "" {
		name = generatedQueueName()
		decl.Name = name
	}
	if _, ok := b.queues[name]; !ok {
		q := &queue{decl: decl}
		if decl.Exclusive {
			q.owner = c
		}
		b.queues[name] = q
	}
	c.post(func() { cb(name, nil) })
}

func (c *Client) BindQueue(binding broker.Binding, cb func(err error)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	err := c.checkLocked(OpBindQueue)
	if err == nil {
		if _, ok := b.queues[binding.Queue]; !ok {
			err = fmt.Errorf("%w: queue %q", ErrNotFound, binding.Queue)
		} else if _, ok := b.exchanges[binding.Exchange]; !ok {
			err = fmt.Errorf("%w: exchange %q", ErrNotFound, binding.Exchange)
		} else {
			b.bindings = append(b.bindings, binding)
		}
	}
	c.post(func() { cb(err) })
}

// Qos is accepted and ignored; deliveries are not throttled.
func (c *Client) Qos(prefetch int) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.checkLocked("")
}

func (c *Client) Consume(queueName, consumerTag string, exclusive bool, onDelivery func(broker.Delivery)) (string, error) {
	b := c.broker
	b.mu.Lock()

	if err := c.checkLocked(OpConsume); err != nil {
		b.mu.Unlock()
		return "", err
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q", ErrNotFound, queueName)
	}
	if exclusive && len(q.consumers) > 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: queue %q already has consumers", ErrPreconditionFail, queueName)
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.New().String()
	}

	cons := &consumer{tag: consumerTag, client: c, exclusive: exclusive, onDelivery: onDelivery}
	q.consumers = append(q.consumers, cons)
	c.consumers[consumerTag] = cons
	posts := b.dispatchLocked(q)
	b.mu.Unlock()

	runAll(posts)
	return consumerTag, nil
}

func (c *Client) Cancel(consumerTag string, cb func(err error)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	err := c.checkLocked("")
	if err == nil {
		c.removeConsumerLocked(consumerTag)
	}
	c.post(func() { cb(err) })
}

func (c *Client) Ack(deliveryTag uint64) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.checkLocked(OpAck); err != nil {
		return err
	}
	p, ok := b.unacked[deliveryTag]
	if !ok || p.consumer.client != c {
		return fmt.Errorf("%w: %d", ErrUnknownDelivery, deliveryTag)
	}
	delete(b.unacked, deliveryTag)
	return nil
}

func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	b := c.broker
	b.mu.Lock()

	if err := c.checkLocked(""); err != nil {
		b.mu.Unlock()
		return err
	}
	p, ok := b.unacked[deliveryTag]
	if !ok || p.consumer.client != c {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDelivery, deliveryTag)
	}

	var posts []func()
	if requeue {
		posts = b.requeueLocked(deliveryTag, p)
	} else {
		delete(b.unacked, deliveryTag)
	}
	b.mu.Unlock()

	runAll(posts)
	return nil
}

func (c *Client) Publish(exchange, routingKey string, body []byte, mandatory, immediate bool) error {
	b := c.broker
	b.mu.Lock()

	if err := c.checkLocked(OpPublish); err != nil {
		b.mu.Unlock()
		return err
	}
	if _, ok := b.exchanges[exchange]; exchange != "" && !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: exchange %q", ErrNotFound, exchange)
	}
	b.published++

	msg := message{
		body:       append([]byte(nil), body...),
		exchange:   exchange,
		routingKey: routingKey,
	}

	targets := b.routeLocked(exchange, routingKey)
	if immediate {
		targets = withConsumers(targets)
	}

	var posts []func()
	if len(targets) == 0 {
		if mandatory || immediate {
			b.returned++
			posts = c.returnLocked(msg, immediate)
		}
	}
	for _, q := range targets {
		q.messages = append(q.messages, msg)
		posts = append(posts, b.dispatchLocked(q)...)
	}
	b.mu.Unlock()

	runAll(posts)
	return nil
}

func (c *Client) NotifyReturn(fn func(broker.Return)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.returns = append(c.returns, fn)
}

func (c *Client) NotifyCancel(fn func(consumerTag string)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.cancels = append(c.cancels, fn)
}

func (c *Client) NotifyChannelClose(fn func(err error)) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.chanClose = append(c.chanClose, fn)
}

// CloseChannel closes the channel; unacknowledged deliveries are requeued.
func (c *Client) CloseChannel() error {
	b := c.broker
	b.mu.Lock()
	posts := c.releaseLocked()
	c.channelOpen = false
	b.mu.Unlock()

	runAll(posts)
	return nil
}

// Close closes the connection: consumers are removed, unacknowledged
// deliveries requeued and exclusive queues owned by the client deleted.
func (c *Client) Close() error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return nil
	}
	c.closed = true
	wasOpen := c.open
	c.open = false
	c.channelOpen = false
	delete(b.clients, c)

	posts := c.releaseLocked()
	for name, q := range b.queues {
		if q.owner == c {
			delete(b.queues, name)
			b.unbindLocked(name)
		}
	}
	onClosed := c.onClosed
	b.mu.Unlock()

	runAll(posts)
	if wasOpen && onClosed != nil {
		c.post(func() { onClosed(nil) })
	}
	return nil
}

func (c *Client) checkLocked(op Op) error {
	if op != "" {
		if err := c.broker.failure(op); err != nil {
			return err
		}
	}
	if !c.open || !c.channelOpen {
		return ErrNotOpen
	}
	return nil
}

func (c *Client) removeConsumerLocked(tag string) {
	cons, ok := c.consumers[tag]
	if !ok {
		return
	}
	delete(c.consumers, tag)
	for _, q := range c.broker.queues {
		kept := q.consumers[:0]
		for _, qc := range q.consumers {
			if qc != cons {
				kept = append(kept, qc)
			}
		}
		q.consumers = kept
	}
}

// releaseLocked drops the client's consumers and requeues its unacked
// deliveries.
func (c *Client) releaseLocked() []func() {
	for tag := range c.consumers {
		c.removeConsumerLocked(tag)
	}

	var tags []uint64
	for tag, p := range c.broker.unacked {
		if p.consumer.client == c {
			tags = append(tags, tag)
		}
	}
	// newest first, so the oldest ends up at the head of its queue
	slices.Sort(tags)
	slices.Reverse(tags)

	var posts []func()
	for _, tag := range tags {
		posts = append(posts, c.broker.requeueLocked(tag, c.broker.unacked[tag])...)
	}
	return posts
}

func (c *Client) returnLocked(msg message, immediate bool) []func() {
	ret := broker.Return{
		ReplyCode:  312,
		ReplyText:  "NO_ROUTE",
		Exchange:   msg.exchange,
		RoutingKey: msg.routingKey,
		Body:       msg.body,
	}
	if immediate {
		ret.ReplyCode, ret.ReplyText = 313, "NO_CONSUMERS"
	}

	var posts []func()
	for _, fn := range c.returns {
		posts = append(posts, func() { c.post(func() { fn(ret) }) })
	}
	return posts
}

func (c *Client) cancelNotificationsLocked(tag string) []func() {
	var posts []func()
	for _, fn := range c.cancels {
		posts = append(posts, func() { c.post(func() { fn(tag) }) })
	}
	return posts
}

func withConsumers(queues []*queue) []*queue {
	var out []*queue
	for _, q := range queues {
		if len(q.consumers) > 0 {
			out = append(out, q)
		}
	}
	return out
}

func kindOf(decl broker.ExchangeDeclaration) string {
	if decl.Kind == "" {
		return "direct"
	}
	return decl.Kind
}
