package storage

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"contentfleet/pkg/model"
)

func RabbitMQURI(username, password, address string, port int, vhost string) string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     address,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    vhost,
	}.String()
}

// RabbitMQClient dials the broker and opens a single channel on the new
// connection. The connection is closed again if the channel cannot be opened.
func RabbitMQClient(ctx context.Context, uri string, name string) (*amqp.Channel, *amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	conn, err := amqp.DialConfig(uri, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": name},
	})
	if err != nil {
		return nil, nil, &model.TransportError{Op: "connect to rabbitmq", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, &model.TransportError{Op: "open rabbitmq channel", Err: err}
	}
	return ch, conn, nil
}
