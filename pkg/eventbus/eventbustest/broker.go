// Package eventbustest provides an in-memory broker that speaks the subset
// of AMQP used by eventbus, for tests that need real fan-out without a
// RabbitMQ server.
package eventbustest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"contentfleet/pkg/eventbus"
)

const queueBuffer = 1024

var ErrDialRefused = errors.New("connection refused")

type binding struct {
	exchange string
	key      string
	queue    string
}

type queue struct {
	name       string
	conn       *Connection
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	consumedBy *Channel
	closed     bool
}

func (q *queue) push(d amqp.Delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.deliveries <- d:
		return true
	default:
		return false
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.deliveries)
	}
}

// Broker routes messages between the connections it hands out. Queues are
// exclusive to the connection that declared them and are deleted with it.
type Broker struct {
	mu          sync.Mutex
	exchanges   map[string]string
	queues      map[string]*queue
	bindings    []binding
	conns       map[*Connection]struct{}
	seq         int
	failDials   int
	failPublish error

	acks    int
	nacks   int
	dropped int
	dials   int
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*Connection]struct{}),
	}
}

// Dial satisfies eventbus.Dialer.
func (b *Broker) Dial(ctx context.Context) (eventbus.Connection, eventbus.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, nil, ErrDialRefused
	}
	conn := &Connection{broker: b}
	ch := &Channel{broker: b, conn: conn, acked: make(map[uint64]bool)}
	conn.channels = append(conn.channels, ch)
	b.conns[conn] = struct{}{}
	return conn, ch, nil
}

// FailNextDials makes the next n dials fail.
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// FailPublishes makes every publish fail with err until called with nil.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = err
}

// Disconnect drops every open connection, as a broker restart would.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Publish routes a message as if a client had published it.
func (b *Broker) Publish(exchange, key string, body []byte) error {
	return b.route(exchange, key, amqp.Publishing{ContentType: "application/json", Body: body})
}

// Bindings returns how many queues are bound with key.
func (b *Broker) Bindings(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bd := range b.bindings {
		if bd.key == key {
			n++
		}
	}
	return n
}

func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

func (b *Broker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

// Dropped counts messages that matched a binding but could not be queued.
func (b *Broker) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Broker) route(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	if b.failPublish != nil {
		err := b.failPublish
		b.mu.Unlock()
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		b.mu.Unlock()
		return errors.Errorf("no exchange %q", exchange)
	}
	var targets []*queue
	for _, bd := range b.bindings {
		if bd.exchange == exchange && Match(bd.key, key) {
			if q, ok := b.queues[bd.queue]; ok {
				targets = append(targets, q)
			}
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		d := amqp.Delivery{
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			Timestamp:    msg.Timestamp,
			Exchange:     exchange,
			RoutingKey:   key,
			Body:         append([]byte(nil), msg.Body...),
		}
		q.mu.Lock()
		ch := q.consumedBy
		q.mu.Unlock()
		if ch != nil {
			d.Acknowledger = ch
			d.DeliveryTag = ch.nextTag()
		}
		if !q.push(d) {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
	return nil
}

func (b *Broker) removeConn(c *Connection) {
	b.mu.Lock()
	delete(b.conns, c)
	var closing []*queue
	for name, q := range b.queues {
		if q.conn == c {
			closing = append(closing, q)
			delete(b.queues, name)
		}
	}
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if _, ok := b.queues[bd.queue]; ok {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
	b.mu.Unlock()

	for _, q := range closing {
		q.close()
	}
}

// Match reports whether routingKey matches the AMQP topic pattern: words are
// separated by '.', '*' matches exactly one word and '#' zero or more.
func Match(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

type Connection struct {
	broker   *Broker
	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	c.broker.removeConn(c)
	return nil
}

// Channel implements eventbus.Channel and acknowledges its own deliveries.
type Channel struct {
	broker   *Broker
	conn     *Connection
	mu       sync.Mutex
	closed   bool
	tag      uint64
	acked    map[uint64]bool
	prefetch int
}

var _ eventbus.Channel = (*Channel)(nil)
var _ amqp.Acknowledger = (*Channel)(nil)

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	ch.mu.Unlock()

	// auto-delete queues go away with their last consumer
	b := ch.broker
	b.mu.Lock()
	var closing []*queue
	for name, q := range b.queues {
		q.mu.Lock()
		mine := q.consumedBy == ch
		q.mu.Unlock()
		if mine {
			closing = append(closing, q)
			delete(b.queues, name)
		}
	}
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if _, ok := b.queues[bd.queue]; ok {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept
	b.mu.Unlock()

	for _, q := range closing {
		q.close()
	}
	return nil
}

// Prefetch returns the last QoS prefetch count set on the channel.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) nextTag() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.tag++
	return ch.tag
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return errors.Errorf("exchange %q already declared as %s", name, existing)
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{
			name:       name,
			conn:       ch.conn,
			deliveries: make(chan amqp.Delivery, queueBuffer),
		}
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return errors.Errorf("no exchange %q", exchange)
	}
	if _, ok := b.queues[name]; !ok {
		return errors.Errorf("no queue %q", name)
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, key: key, queue: name})
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no queue %q", queueName)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumedBy != nil {
		return nil, errors.Errorf("queue %q already has a consumer", queueName)
	}
	q.consumedBy = ch
	return q.deliveries, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return ch.broker.route(exchange, key, msg)
}

func (ch *Channel) settle(tag uint64, ack bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	if _, done := ch.acked[tag]; done {
		ch.mu.Unlock()
		return errors.Errorf("delivery tag %d already settled", tag)
	}
	ch.acked[tag] = ack
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ack {
		b.acks++
	} else {
		b.nacks++
	}
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, true)
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, false)
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false)
}
