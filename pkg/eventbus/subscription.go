package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"contentfleet/pkg/metrics"
	"contentfleet/pkg/trace"
)

var tracer = otel.Tracer("contentfleet/eventbus")

type subscription struct {
	bus     *Bus
	key     string
	handler Handler
}

// run consumes deliveries until the subscription is stopped. When the
// delivery channel closes underneath it (connection lost, broker restart)
// it declares a new queue and carries on.
func (s *subscription) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		s.drain(ctx, deliveries)
		if ctx.Err() != nil || s.bus.isClosed() {
			return
		}
		s.bus.logger.Warn("delivery channel closed, resubscribing", "routing_key", s.key)
		deliveries = s.resubscribe(ctx)
		if deliveries == nil {
			return
		}
	}
}

// drain dispatches every delivery on its own goroutine, at most MaxInFlight
// at a time, and returns once the channel closes or the subscription is
// stopped and all dispatched handlers have finished.
func (s *subscription) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var g errgroup.Group
	g.SetLimit(s.bus.opts.MaxInFlight)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bus.stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			g.Go(func() error {
				s.dispatch(ctx, d)
				return nil
			})
		}
	}
}

func (s *subscription) resubscribe(ctx context.Context) <-chan amqp.Delivery {
	var deliveries <-chan amqp.Delivery
	op := func() error {
		if s.bus.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		d, err := s.bus.consume(ctx, s.key)
		if err != nil {
			return err
		}
		deliveries = d
		return nil
	}
	notify := func(err error, d time.Duration) {
		s.bus.logger.Warn("error resubscribing, retrying", "routing_key", s.key, "msg", err.Error(), "backoff", d)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.bus.newBackOff(), ctx), notify); err != nil {
		return nil
	}
	return deliveries
}

// dispatch runs the handler for d and settles the delivery. Handlers run on
// a context detached from cancellation so a shutdown lets them finish.
func (s *subscription) dispatch(ctx context.Context, d amqp.Delivery) {
	ctx = trace.Extract(context.WithoutCancel(ctx), d.Headers)
	ctx, span := tracer.Start(ctx, "consume "+s.key,
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", s.bus.opts.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", s.key),
		))
	defer span.End()

	if !d.Timestamp.IsZero() {
		metrics.QueueDurationMs.WithLabelValues(s.key).Observe(float64(time.Since(d.Timestamp).Milliseconds()))
	}

	err := s.invoke(ctx, d.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.EventsConsumed.WithLabelValues(s.key, "dropped").Inc()
		s.bus.logger.Error("error handling event, dropping message",
			"routing_key", s.key,
			"delivery_tag", d.DeliveryTag,
			"redelivered", d.Redelivered,
			"body", string(d.Body),
			"msg", err.Error())
		if nerr := d.Nack(false, false); nerr != nil {
			s.bus.logger.Warn("error rejecting message", "routing_key", s.key, "msg", nerr.Error())
		}
		return
	}

	if aerr := d.Ack(false); aerr != nil {
		s.bus.logger.Warn("error acknowledging message", "routing_key", s.key, "msg", aerr.Error())
		return
	}
	metrics.EventsConsumed.WithLabelValues(s.key, "acked").Inc()
}

// invoke calls the handler, turning a panic into an error.
func (s *subscription) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", s.key, r)
			s.bus.logger.Error("event handler panicked", "routing_key", s.key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return s.handler(ctx, body)
}
