package eventbus

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"contentfleet/pkg/storage"
)

// Channel is the subset of *amqp.Channel the bus relies on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the bus relies on.
type Connection interface {
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection together with one channel on it.
type Dialer func(ctx context.Context) (Connection, Channel, error)

// AMQPDialer dials a RabbitMQ server at uri. name is reported to the broker
// as the connection name.
func AMQPDialer(uri, name string) Dialer {
	return func(ctx context.Context) (Connection, Channel, error) {
		ch, conn, err := storage.RabbitMQClient(ctx, uri, name)
		if err != nil {
			return nil, nil, err
		}
		return conn, ch, nil
	}
}
