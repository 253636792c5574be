// Package eventbus is the topic publish/subscribe client the services use
// to tell each other about state changes. Delivery is at-least-once: a
// message is acknowledged only after its handler returns, and a failing
// handler drops the message after logging it.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"contentfleet/pkg/metrics"
	"contentfleet/pkg/model"
	"contentfleet/pkg/trace"
	"contentfleet/pkg/utils"
)

const exchangeKind = "topic"

// ErrClosed is returned by operations on a closed Bus.
var ErrClosed = errors.New("event bus closed")

type Options struct {
	Exchange        string
	ConnectAttempts uint64
	ConnectBackoff  time.Duration
	Prefetch        int
	MaxInFlight     int
	// Name prefixes consumer tags, usually the service name.
	Name string
}

// Bus holds at most one broker connection and channel, created on first use
// and re-created after a failure. Publish and Subscribe are safe for
// concurrent use.
type Bus struct {
	dial   Dialer
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	conn   Connection
	ch     Channel
	closed bool

	consumers atomic.Int64
	subs      sync.WaitGroup
	stop      chan struct{}
}

func New(dial Dialer, opts Options, logger *slog.Logger) *Bus {
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	return &Bus{
		dial:   dial,
		opts:   opts,
		logger: logger.With("component", "eventbus", "exchange", opts.Exchange),
		stop:   make(chan struct{}),
	}
}

// Connect establishes the connection, retrying with exponential backoff up
// to the configured number of attempts. The returned error is a
// *model.TransportError once attempts are exhausted.
func (b *Bus) Connect(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), b.opts.ConnectAttempts-1), ctx)
	notify := func(err error, d time.Duration) {
		b.logger.Warn("error connecting to rabbitmq, retrying", "msg", err.Error(), "backoff", d)
	}
	err := backoff.RetryNotify(func() error {
		_, err := b.channel(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, notify)
	if err != nil && !model.IsTransport(err) {
		err = &model.TransportError{Op: "connect", Err: err}
	}
	return err
}

func (b *Bus) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if b.opts.ConnectBackoff > 0 {
		bo.InitialInterval = b.opts.ConnectBackoff
	}
	bo.MaxElapsedTime = 0
	return bo
}

// channel returns the live channel, dialing a new connection if there is
// none or the previous one was closed.
func (b *Bus) channel(ctx context.Context) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	b.resetLocked()

	conn, ch, err := b.dial(ctx)
	if err != nil {
		if !model.IsTransport(err) {
			err = &model.TransportError{Op: "dial", Err: err}
		}
		return nil, err
	}
	if err := ch.ExchangeDeclare(b.opts.Exchange, exchangeKind, false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, &model.TransportError{Op: "declare exchange " + b.opts.Exchange, Err: err}
	}
	if b.opts.Prefetch > 0 {
		if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, &model.TransportError{Op: "set qos", Err: err}
		}
	}

	b.conn, b.ch = conn, ch
	b.logger.Info("connected to rabbitmq")
	return ch, nil
}

func (b *Bus) resetLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.ch, b.conn = nil, nil
}

// discard drops ch if it is still the current channel so the next operation
// reconnects.
func (b *Bus) discard(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == ch {
		b.resetLocked()
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends payload, encoded as JSON, with routingKey. It does not wait
// for a broker confirmation.
func (b *Bus) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s payload", routingKey)
	}

	ch, err := b.channel(ctx)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(routingKey, "error").Inc()
		return err
	}

	headers := amqp.Table{}
	trace.Inject(ctx, headers)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, b.opts.Exchange, routingKey, false, false, msg); err != nil {
		b.discard(ch)
		metrics.EventsPublished.WithLabelValues(routingKey, "error").Inc()
		return &model.TransportError{Op: "publish " + routingKey, Err: err}
	}
	metrics.EventsPublished.WithLabelValues(routingKey, "ok").Inc()
	b.logger.Debug("published event", "routing_key", routingKey, "size", len(body))
	return nil
}

// Subscribe binds a private queue to routingKey and runs handler for every
// message delivered to it until ctx is cancelled or the bus is closed.
// Every subscribing process receives its own copy of each event.
func (b *Bus) Subscribe(ctx context.Context, routingKey string, handler Handler) error {
	deliveries, err := b.consume(ctx, routingKey)
	if err != nil {
		return err
	}
	s := &subscription{bus: b, key: routingKey, handler: handler}
	b.subs.Add(1)
	go func() {
		defer b.subs.Done()
		s.run(ctx, deliveries)
	}()
	return nil
}

func (b *Bus) consume(ctx context.Context, routingKey string) (<-chan amqp.Delivery, error) {
	ch, err := b.channel(ctx)
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		b.discard(ch)
		return nil, &model.TransportError{Op: "declare queue for " + routingKey, Err: err}
	}
	if err := ch.QueueBind(q.Name, routingKey, b.opts.Exchange, false, nil); err != nil {
		b.discard(ch)
		return nil, &model.TransportError{Op: "bind queue for " + routingKey, Err: err}
	}
	deliveries, err := ch.Consume(q.Name, b.consumerTag(routingKey), false, true, false, false, nil)
	if err != nil {
		b.discard(ch)
		return nil, &model.TransportError{Op: "consume " + routingKey, Err: err}
	}
	b.logger.Info("subscribed to events", "routing_key", routingKey, "queue", q.Name)
	return deliveries, nil
}

func (b *Bus) consumerTag(routingKey string) string {
	n := b.consumers.Add(1)
	return fmt.Sprintf("%s-%s-%s-%d", b.opts.Name, utils.GetMachineID(), routingKey, n)
}

// Close stops every subscription, waits for in-flight handlers to finish
// and acknowledge, then closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	b.subs.Wait()

	b.mu.Lock()
	ch, conn := b.ch, b.conn
	b.ch, b.conn = nil, nil
	b.mu.Unlock()

	var err error
	if ch != nil {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = cerr
		}
	}
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
			err = cerr
		}
	}
	return err
}
